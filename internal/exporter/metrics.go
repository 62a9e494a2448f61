package exporter

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/scm-audit/internal/contributors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "scm_audit"

var (
	runSuccessDesc = prometheus.NewDesc(
		namespace+"_run_success",
		"Whether the last audit run of the organization succeeded (1) or failed (0).",
		[]string{"scm_type", "organization"}, nil,
	)
	runDurationDesc = prometheus.NewDesc(
		namespace+"_run_duration_seconds",
		"Duration of the last audit run of the organization.",
		[]string{"scm_type", "organization"}, nil,
	)
	lastSuccessDesc = prometheus.NewDesc(
		namespace+"_last_success_timestamp_seconds",
		"Unix time the last successful audit run completed.",
		[]string{"scm_type", "organization"}, nil,
	)
	lookbackDaysDesc = prometheus.NewDesc(
		namespace+"_lookback_days",
		"Lookback window of the last successful audit run.",
		[]string{"scm_type", "organization"}, nil,
	)
	contributorsDesc = prometheus.NewDesc(
		namespace+"_contributors",
		"Contributors with commits inside the lookback window.",
		[]string{"scm_type", "organization"}, nil,
	)
	repositoriesDesc = prometheus.NewDesc(
		namespace+"_active_repositories",
		"Repositories with commits inside the lookback window.",
		[]string{"scm_type", "organization"}, nil,
	)
	contributorCommitsDesc = prometheus.NewDesc(
		namespace+"_contributor_commits",
		"Commits by the contributor inside the lookback window, across repositories.",
		[]string{"scm_type", "organization", "username"}, nil,
	)
	contributorRepositoriesDesc = prometheus.NewDesc(
		namespace+"_contributor_repositories",
		"Repositories the contributor committed to inside the lookback window.",
		[]string{"scm_type", "organization", "username"}, nil,
	)
)

// Run is the outcome of one audit run.
type Run struct {
	SCMType      string
	Organization string
	CompletedAt  time.Time
	Duration     time.Duration
	Succeeded    bool
	// Result is only read when Succeeded is set.
	Result contributors.AuditResult
}

// RunReader returns the runs to export.
type RunReader interface {
	Runs() []Run
}

// Recorder keeps the last run per organization.
type Recorder struct {
	mu          sync.RWMutex
	runs        map[string]Run
	lastSuccess map[string]Run
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		runs:        make(map[string]Run),
		lastSuccess: make(map[string]Run),
	}
}

// Record stores run as the latest run of its organization. A failed run keeps
// the contributor gauges of the last successful one.
func (r *Recorder) Record(run Run) {
	key := strings.ToLower(run.SCMType) + ":" + strings.ToLower(run.Organization)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[key] = run
	if run.Succeeded {
		r.lastSuccess[key] = run
	}
}

// Runs returns the latest run per organization, ordered by key.
func (r *Recorder) Runs() []Run {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.runs))
	for key := range r.runs {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	result := make([]Run, 0, len(keys))
	for _, key := range keys {
		run := r.runs[key]
		if !run.Succeeded {
			if success, ok := r.lastSuccess[key]; ok {
				run.Result = success.Result
				run.CompletedAt = success.CompletedAt
			}
		}
		result = append(result, run)
	}
	return result
}

// NewRegistry returns a registry exporting the runs of reader.
func NewRegistry(reader RunReader) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(reader))
	return registry
}

// WriteTextfile renders the runs of reader to path in the node-exporter textfile format.
func WriteTextfile(path string, reader RunReader) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("textfile path is required")
	}
	if err := prometheus.WriteToTextfile(path, NewRegistry(reader)); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Collector exports audit runs as const metrics on every scrape.
type Collector struct {
	reader RunReader
}

// NewCollector creates a collector over reader.
func NewCollector(reader RunReader) *Collector {
	return &Collector{reader: reader}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range []*prometheus.Desc{
		runSuccessDesc,
		runDurationDesc,
		lastSuccessDesc,
		lookbackDaysDesc,
		contributorsDesc,
		repositoriesDesc,
		contributorCommitsDesc,
		contributorRepositoriesDesc,
	} {
		ch <- desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c == nil || c.reader == nil {
		return
	}

	for _, run := range c.reader.Runs() {
		labels := []string{run.SCMType, run.Organization}

		success := 0.0
		if run.Succeeded {
			success = 1
		}
		ch <- prometheus.MustNewConstMetric(runSuccessDesc, prometheus.GaugeValue, success, labels...)
		ch <- prometheus.MustNewConstMetric(runDurationDesc, prometheus.GaugeValue, run.Duration.Seconds(), labels...)

		if run.CompletedAt.IsZero() {
			continue
		}
		ch <- prometheus.MustNewConstMetric(lastSuccessDesc, prometheus.GaugeValue, float64(run.CompletedAt.Unix()), labels...)
		ch <- prometheus.MustNewConstMetric(lookbackDaysDesc, prometheus.GaugeValue, float64(run.Result.Metadata.Days), labels...)
		ch <- prometheus.MustNewConstMetric(contributorsDesc, prometheus.GaugeValue, float64(len(run.Result.Contributors)), labels...)
		ch <- prometheus.MustNewConstMetric(repositoriesDesc, prometheus.GaugeValue, float64(run.Result.RepositoryCount()), labels...)

		for _, contributor := range run.Result.Contributors {
			commits := 0
			for _, repo := range contributor.Repositories {
				commits += repo.NumberOfCommits
			}
			userLabels := append(slices.Clone(labels), contributor.Username)
			ch <- prometheus.MustNewConstMetric(contributorCommitsDesc, prometheus.GaugeValue, float64(commits), userLabels...)
			ch <- prometheus.MustNewConstMetric(contributorRepositoriesDesc, prometheus.GaugeValue, float64(len(contributor.Repositories)), userLabels...)
		}
	}
}
