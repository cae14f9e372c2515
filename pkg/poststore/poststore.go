// Package poststore finalizes a task's on-disk artifacts once it
// reaches a terminal state (the post-processing stage calls into here
// after writing post_detail.json): compressing the agent log so a
// long-lived cwd doesn't accumulate uncompressed text indefinitely.
package poststore

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// CompressAndRemove zstd-compresses src to src+".zst" and removes the
// original. A missing src is not an error: not every task produces
// every artifact (e.g. a URL target never writes a pcap).
func CompressAndRemove(src string) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	dst := src + ".zst"
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}

	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("new zstd writer: %w", err)
	}

	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("compress %s: %w", src, err)
	}
	if err := enc.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("close zstd encoder: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("close %s: %w", dst, err)
	}

	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove original %s: %w", src, err)
	}
	return nil
}
