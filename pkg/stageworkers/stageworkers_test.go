package stageworkers

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolExecutesJobOnce(t *testing.T) {
	var calls int32
	fn := func(ctx context.Context, job Job) Result {
		atomic.AddInt32(&calls, 1)
		return Result{Job: job, ReportPath: "report.json", NextState: "done"}
	}

	var mu sync.Mutex
	var results []Result
	onDone := func(r Result) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
	}

	p := New(StageIdentification, 2, time.Second, fn, onDone)
	p.Start()
	defer p.Stop()

	p.Submit(Job{Stage: StageIdentification, UnitID: "analysis_1"})
	p.Submit(Job{Stage: StageIdentification, UnitID: "analysis_1"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(results)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("onDone never fired twice")
		}
		time.Sleep(5 * time.Millisecond)
	}

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestPoolReportsTimeoutError(t *testing.T) {
	fn := func(ctx context.Context, job Job) Result {
		<-ctx.Done()
		return Result{Job: job}
	}

	done := make(chan Result, 1)
	p := New(StagePre, 1, 20*time.Millisecond, fn, func(r Result) { done <- r })
	p.Start()
	defer p.Stop()

	p.Submit(Job{Stage: StagePre, UnitID: "analysis_2"})

	select {
	case r := <-done:
		require.Error(t, r.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool never reported timeout")
	}
}
