package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cam3ron2/scm-audit/internal/config"
	"github.com/cam3ron2/scm-audit/internal/contributors"
	"go.uber.org/zap"
)

const (
	// FileBaseName is the results file name without its extension.
	FileBaseName = "scm_audit_results"
	toolName     = "scm-audit"
)

// Writer saves audit results to a directory.
type Writer struct {
	Dir    string
	Now    func() time.Time
	logger *zap.Logger
}

// NewWriter creates a writer for dir. An empty dir means the working directory.
func NewWriter(dir string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		Dir:    dir,
		Now:    time.Now,
		logger: logger,
	}
}

// Write renders result in format and writes it to the results file, returning its path.
func (w *Writer) Write(result contributors.AuditResult, format config.ResultsFormat) (string, error) {
	var (
		content []byte
		ext     string
		err     error
	)
	switch config.ParseResultsFormat(string(format)) {
	case config.ResultsFormatJSON:
		content, err = RenderJSON(result)
		ext = ".json"
	case config.ResultsFormatTXT:
		content = RenderTXT(result, w.now())
		ext = ".txt"
	default:
		return "", fmt.Errorf("unsupported results format %q", format)
	}
	if err != nil {
		return "", err
	}

	dir := strings.TrimSpace(w.Dir)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create results dir: %w", err)
	}
	path := filepath.Join(dir, FileBaseName+ext)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("write results file: %w", err)
	}

	w.logger.Debug("results file written", zap.String("path", path), zap.Int("bytes", len(content)))
	return path, nil
}

func (w *Writer) now() time.Time {
	if w.Now == nil {
		return time.Now()
	}
	return w.Now()
}

// RenderJSON renders result as indented JSON.
func RenderJSON(result contributors.AuditResult) ([]byte, error) {
	if result.Contributors == nil {
		result.Contributors = []contributors.Contributor{}
	}
	content, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal results: %w", err)
	}
	return append(content, '\n'), nil
}

// RenderTXT renders the plain-text report, contributors sorted by username and
// repositories by name.
func RenderTXT(result contributors.AuditResult, generatedAt time.Time) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(
		&buf,
		"%s %s - %d days - %s - %s\n\n",
		toolName,
		result.Metadata.ScriptVersion,
		result.Metadata.Days,
		result.OrganizationName,
		generatedAt.UTC().Format(time.RFC3339),
	)
	for _, contributor := range contributors.Sorted(result.Contributors) {
		fmt.Fprintf(&buf, "%s - %d repositories:\n", contributor.Username, len(contributor.Repositories))
		for _, repo := range contributor.Repositories {
			fmt.Fprintf(
				&buf,
				"  - %s (%s), Last Commit %s\n",
				repo.Name,
				repo.ID,
				repo.LastCommit.UTC().Format(time.RFC3339),
			)
		}
	}
	return buf.Bytes()
}
