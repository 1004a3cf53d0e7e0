package metrics

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fluxpredict/logging"
)

// DefaultNvidiaSMI is looked up on PATH.
const DefaultNvidiaSMI = "nvidia-smi"

// GPUReader reads one GPU sample.
type GPUReader interface {
	ReadGPU(ctx context.Context) (GPUSample, error)
}

// NvidiaSMI reads the first GPU through the nvidia-smi binary.
type NvidiaSMI struct {
	Path string
}

// Available reports whether the nvidia-smi binary can be found.
func (n NvidiaSMI) Available() bool {
	_, err := exec.LookPath(n.path())
	return err == nil
}

func (n NvidiaSMI) path() string {
	if n.Path == "" {
		return DefaultNvidiaSMI
	}
	return n.Path
}

func (n NvidiaSMI) ReadGPU(ctx context.Context) (GPUSample, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, n.path(),
		"--query-gpu=utilization.gpu,temperature.gpu,memory.used,memory.total",
		"--format=csv,noheader,nounits")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return GPUSample{}, fmt.Errorf("nvidia-smi failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return parseNvidiaSMI(stdout.String())
}

// parseNvidiaSMI reads the first line of
// "utilization, temperature, memory.used MiB, memory.total MiB".
func parseNvidiaSMI(output string) (GPUSample, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return GPUSample{}, fmt.Errorf("empty nvidia-smi output")
	}
	record, err := csv.NewReader(strings.NewReader(output)).Read()
	if err != nil {
		return GPUSample{}, fmt.Errorf("failed to parse nvidia-smi output: %w", err)
	}
	if len(record) < 4 {
		return GPUSample{}, fmt.Errorf("unexpected field count: got %d, want 4", len(record))
	}

	var vals [4]float64
	names := [4]string{"utilization", "temperature", "memory used", "memory total"}
	for i := range vals {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
		if err != nil {
			return GPUSample{}, fmt.Errorf("failed to parse %s: %w", names[i], err)
		}
		vals[i] = v
	}

	const mib = 1024 * 1024
	total := int64(vals[3] * mib)
	used := int64(vals[2] * mib)
	return GPUSample{
		Utilization: vals[0],
		Temperature: vals[1],
		MemoryTotal: total,
		MemoryUsed:  used,
		MemoryFree:  total - used,
		SampledAt:   time.Now(),
	}, nil
}

// GPUCollector samples a GPUReader on an interval into a Store.
type GPUCollector struct {
	reader   GPUReader
	store    *Store
	interval time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	lastErr error
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewGPUCollector returns a stopped collector.
func NewGPUCollector(reader GPUReader, store *Store, interval time.Duration, logger *logging.Logger) *GPUCollector {
	if interval < time.Second {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &GPUCollector{reader: reader, store: store, interval: interval, logger: logger.Named("metrics")}
}

// Start samples once immediately and then every interval until ctx is done
// or Stop is called.
func (c *GPUCollector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		c.collect(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.collect(ctx)
			}
		}
	}()
}

// Stop halts sampling and waits for the loop to exit.
func (c *GPUCollector) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// LastError returns the error of the latest sample, nil after a success.
func (c *GPUCollector) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *GPUCollector) collect(ctx context.Context) {
	sample, err := c.reader.ReadGPU(ctx)

	c.mu.Lock()
	first := err != nil && c.lastErr == nil
	c.lastErr = err
	c.mu.Unlock()

	if err != nil {
		// Keep the previous sample. Only log the transition into failure.
		if first && ctx.Err() == nil {
			c.logger.Warn("GPU sample failed", zap.Error(err))
		}
		return
	}
	c.store.UpdateGPU(sample)
}
