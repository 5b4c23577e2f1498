package metrics

import (
	"time"

	"github.com/cuemby/cyberrange/pkg/types"
)

// Source is the read-only view of state the collector samples
type Source interface {
	ListRanges() ([]*types.Range, error)
	ListVMs() ([]*types.VM, error)
	ListJobs() ([]*types.Job, error)
	ListArtifacts() ([]*types.Artifact, error)
}

// Collector periodically refreshes the inventory gauges from the store
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source) *Collector {
	return &Collector{
		source:   source,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect samples the store once
func (c *Collector) Collect() {
	c.collectRangeMetrics()
	c.collectVMMetrics()
	c.collectJobMetrics()
	c.collectArtifactMetrics()
}

func (c *Collector) collectRangeMetrics() {
	ranges, err := c.source.ListRanges()
	if err != nil {
		return
	}

	counts := make(map[types.RangeStatus]int)
	for _, r := range ranges {
		counts[r.Status]++
	}

	RangesTotal.Reset()
	for status, count := range counts {
		RangesTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectVMMetrics() {
	vms, err := c.source.ListVMs()
	if err != nil {
		return
	}

	counts := make(map[types.VMStatus]int)
	for _, vm := range vms {
		counts[vm.Status]++
	}

	VMsTotal.Reset()
	for status, count := range counts {
		VMsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectJobMetrics() {
	jobs, err := c.source.ListJobs()
	if err != nil {
		return
	}

	counts := make(map[types.JobState]int)
	for _, job := range jobs {
		counts[job.State]++
	}

	JobsTotal.Reset()
	for state, count := range counts {
		JobsTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectArtifactMetrics() {
	artifacts, err := c.source.ListArtifacts()
	if err != nil {
		return
	}

	counts := make(map[types.ArtifactStatus]int)
	for _, a := range artifacts {
		counts[a.Status]++
	}

	ArtifactsTotal.Reset()
	for status, count := range counts {
		ArtifactsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}
