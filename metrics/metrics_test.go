package metrics

import (
	"testing"
	"time"

	"github.com/opeva/job-worker-agent/logger"
)

func TestTagsStringSlice(t *testing.T) {
	tags := Tags{"job_id": "job.1!", "": "skip-me", "worker_id": ""}
	got := tags.StringSlice()

	if len(got) != 1 {
		t.Fatalf("StringSlice() = %v, want exactly one entry", got)
	}
	if got[0] != "job_id:job.1_" {
		t.Errorf("StringSlice()[0] = %q, want %q", got[0], "job_id:job.1_")
	}
}

func TestScopeWithMergesTags(t *testing.T) {
	c := NewCollector(logger.NewBuffer(), CollectorConfig{})
	base := c.Scope(Tags{"worker_id": "w1"})
	child := base.With(Tags{"job_id": "job1"})

	if len(child.Tags) != 2 {
		t.Fatalf("merged scope tags = %v, want 2 entries", child.Tags)
	}
}

func TestScopeNoopWithoutClient(t *testing.T) {
	// Without Start(), the Collector has no statsd client; Count/Timing
	// must be no-ops rather than panicking.
	c := NewCollector(logger.NewBuffer(), CollectorConfig{})
	scope := c.Scope(Tags{"worker_id": "w1"})

	scope.Count("job.started", 1)
	scope.Timing("job.duration", time.Second)
}
