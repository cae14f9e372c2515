package resultserver

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/gopacket/pcapgo"
)

// sinkSet owns the open files for one connection's streams. Each kind
// is opened once, truncated on first write and appended to afterward,
// so a single connection produces the same final bytes regardless of
// how many frames a stream was split into.
type sinkSet struct {
	dir      string
	files    map[FrameKind]*os.File
	counters map[FrameKind]int
}

func newSinkSet(dir string) *sinkSet {
	return &sinkSet{dir: dir, files: make(map[FrameKind]*os.File), counters: make(map[FrameKind]int)}
}

func (s *sinkSet) write(kind FrameKind, payload []byte) error {
	switch kind {
	case FrameLog:
		return s.appendTo(kind, "log.txt", payload)
	case FrameTTY:
		return s.appendTo(kind, "tty.log", payload)
	case FrameNetdump:
		return s.appendTo(kind, "network.pcap", payload)
	case FrameScreenshot:
		return s.writeNumbered(kind, "screenshots", "jpg", payload)
	case FrameFile:
		return s.writeNumbered(kind, "files", "bin", payload)
	default:
		return fmt.Errorf("unhandled frame kind %v", kind)
	}
}

// appendTo opens name the first time a kind is seen (truncating any
// stale content) and appends on every subsequent call within the same
// connection.
func (s *sinkSet) appendTo(kind FrameKind, name string, payload []byte) error {
	f, ok := s.files[kind]
	if !ok {
		path := filepath.Join(s.dir, name)
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		s.files[kind] = f
	}
	if _, err := f.Write(payload); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// writeNumbered writes payload to its own sequentially-numbered file
// under subdir, one frame = one file (screenshots, arbitrary files).
func (s *sinkSet) writeNumbered(kind FrameKind, subdir, ext string, payload []byte) error {
	dir := filepath.Join(s.dir, subdir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s dir: %w", subdir, err)
	}
	n := s.counters[kind]
	s.counters[kind] = n + 1

	path := filepath.Join(dir, fmt.Sprintf("%04d.%s", n, ext))
	if err := os.WriteFile(path, payload, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (s *sinkSet) closeAll() {
	for kind, f := range s.files {
		if kind == FrameNetdump {
			validatePcap(f.Name())
		}
		f.Close()
	}
}

// validatePcap confirms a completed network.pcap parses as a valid
// pcap stream; a guest that sends malformed capture data shouldn't
// silently pass as a clean netdump artifact.
func validatePcap(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	if _, err := pcapgo.NewReader(f); err != nil {
		renamed := path + ".invalid"
		_ = os.Rename(path, renamed)
	}
}
