package pagetext

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"event_spider/internal/metrics"
	"event_spider/internal/throttle"

	"github.com/google/uuid"
)

// FetchError is a non-success reply from the fetcher process.
type FetchError struct {
	Status string
	Detail string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetcher replied %s: %s", e.Status, e.Detail)
}

var ErrFetcherExited = errors.New("fetcher process exited")

type fetchReply struct {
	status string
	detail string
}

// ProcessFetcher drives a long-lived browser process over a line protocol:
// it writes "<id> <url> <outputPath>" and reads "<id> success" or
// "<id> <status> <detail>". Replies may arrive in any order.
type ProcessFetcher struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	queue    *throttle.Queue
	counters *metrics.Counters

	writeMu sync.Mutex
	mu      sync.Mutex
	pending map[string]chan fetchReply

	ready chan struct{}
	done  chan struct{}
	err   error
}

// StartProcessFetcher launches the fetcher and waits for its ready line.
func StartProcessFetcher(ctx context.Context, command string, args []string, readyLine string, queue *throttle.Queue, counters *metrics.Counters) (*ProcessFetcher, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("fetcher stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("fetcher stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start fetcher %s: %w", command, err)
	}

	f := &ProcessFetcher{
		cmd:      cmd,
		stdin:    stdin,
		queue:    queue,
		counters: counters,
		pending:  make(map[string]chan fetchReply),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	go f.readLoop(stdout, readyLine)

	select {
	case <-f.ready:
		slog.Info("fetcher ready", "command", command)
		return f, nil
	case <-f.done:
		_ = cmd.Wait()
		return nil, fmt.Errorf("fetcher exited before ready: %w", f.err)
	case <-time.After(time.Minute):
		_ = f.Close()
		return nil, fmt.Errorf("fetcher did not print %q within a minute", readyLine)
	case <-ctx.Done():
		_ = f.Close()
		return nil, ctx.Err()
	}
}

func (f *ProcessFetcher) readLoop(stdout io.Reader, readyLine string) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	isReady := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !isReady {
			if line == readyLine {
				isReady = true
				close(f.ready)
			}
			continue
		}
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 2 {
			slog.Warn("unparseable fetcher line", "line", line)
			continue
		}
		reply := fetchReply{status: parts[1]}
		if len(parts) == 3 {
			reply.detail = parts[2]
		}

		f.mu.Lock()
		ch, ok := f.pending[parts[0]]
		delete(f.pending, parts[0])
		f.mu.Unlock()
		if !ok {
			slog.Warn("fetcher reply for unknown request", "id", parts[0], "status", reply.status)
			continue
		}
		ch <- reply
	}

	f.mu.Lock()
	f.err = scanner.Err()
	if f.err == nil {
		f.err = io.EOF
	}
	f.pending = map[string]chan fetchReply{}
	f.mu.Unlock()
	close(f.done)
}

func (f *ProcessFetcher) Fetch(ctx context.Context, pageURL, outputPath string, priority int) error {
	pageURL = strings.TrimSpace(pageURL)
	if pageURL == "" || strings.ContainsAny(pageURL, " \t\n") {
		return fmt.Errorf("url %q cannot be sent to the fetcher", pageURL)
	}
	return f.queue.Run(ctx, priority, func(ctx context.Context) error {
		f.counters.ExternalCall("fetch")
		id := uuid.NewString()
		ch := make(chan fetchReply, 1)

		f.mu.Lock()
		f.pending[id] = ch
		f.mu.Unlock()

		f.writeMu.Lock()
		_, err := fmt.Fprintf(f.stdin, "%s %s %s\n", id, pageURL, outputPath)
		f.writeMu.Unlock()
		if err != nil {
			f.forget(id)
			return fmt.Errorf("write to fetcher: %w", err)
		}

		select {
		case reply := <-ch:
			if reply.status != "success" {
				return &FetchError{Status: reply.status, Detail: reply.detail}
			}
			return nil
		case <-ctx.Done():
			f.forget(id)
			return ctx.Err()
		case <-f.done:
			return fmt.Errorf("%w: %v", ErrFetcherExited, f.err)
		}
	})
}

func (f *ProcessFetcher) forget(id string) {
	f.mu.Lock()
	delete(f.pending, id)
	f.mu.Unlock()
}

// Close ends the fetcher by closing its stdin and waits for it to exit.
func (f *ProcessFetcher) Close() error {
	_ = f.stdin.Close()
	select {
	case <-f.done:
	case <-time.After(10 * time.Second):
		_ = f.cmd.Process.Kill()
	}
	return f.cmd.Wait()
}
