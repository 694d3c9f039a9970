package client

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// Outcome is the one character a load run prints per request.
type Outcome byte

const (
	OutcomeOK          Outcome = '.'
	OutcomeBadResponse Outcome = '!'
	OutcomeRefused     Outcome = 'X'
	OutcomeTimeout     Outcome = 'T'
)

// LoadConfig describes a load run.
type LoadConfig struct {
	Requests    int
	Concurrency int
	DN          string
}

// LoadResult counts outcomes of a load run.
type LoadResult struct {
	Counts map[Outcome]int
}

// Completed is the number of requests that got an answer, good or bad.
func (r LoadResult) Completed() int {
	return r.Counts[OutcomeOK] + r.Counts[OutcomeBadResponse]
}

// Hurt fires cfg.Requests generate requests, cfg.Concurrency at a time, and
// writes one outcome character per attempt to progress. Refused and timed
// out attempts are retried until three times the request count has failed.
func (c *Client) Hurt(ctx context.Context, cfg LoadConfig, progress io.Writer) LoadResult {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.DN == "" {
		cfg.DN = "/UID=recorder-1"
	}
	result := LoadResult{Counts: make(map[Outcome]int)}

	var mu sync.Mutex
	remaining := cfg.Requests
	retries := 0
	record := func(o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		result.Counts[o]++
		if o == OutcomeOK || o == OutcomeBadResponse {
			remaining--
		} else {
			retries++
		}
		if progress != nil {
			_, _ = progress.Write([]byte{byte(o)})
		}
	}

	for remaining > 0 && retries < cfg.Requests*3 && ctx.Err() == nil {
		batch := min(cfg.Concurrency, remaining)
		var wg sync.WaitGroup
		for i := 0; i < batch; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := c.Generate(ctx, cfg.DN)
				record(classify(err))
			}()
		}
		wg.Wait()
	}
	return result
}

func classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, unix.ETIMEDOUT) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return OutcomeTimeout
	}
	var opErr *net.OpError
	if errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.ECONNRESET) || errors.As(err, &opErr) {
		return OutcomeRefused
	}
	return OutcomeBadResponse
}
