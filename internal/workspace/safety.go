package workspace

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// maxBinarySize is the threshold above which a binary file triggers a
// "large_binary" safety issue (grounded on task/safety.go's maxBinarySize).
const maxBinarySize = 500 * 1024

// SafetyIssue is one finding reported by CheckSafety.
type SafetyIssue struct {
	File   string
	Kind   string
	Detail string
}

var (
	leakDetectorOnce sync.Once
	leakDetector     *detect.Detector
	leakDetectorErr  error
)

func defaultLeakDetector() (*detect.Detector, error) {
	leakDetectorOnce.Do(func() {
		leakDetector, leakDetectorErr = detect.NewDetectorDefaultConfig()
	})
	return leakDetector, leakDetectorErr
}

// CheckSafety scans the diff between baseBranch and branch for large binary
// files and secrets, using gitleaks's detector ruleset instead of a
// hand-rolled regex scan (see DESIGN.md).
func (s *Service) CheckSafety(ctx context.Context, dir, branch, baseBranch string) ([]SafetyIssue, error) {
	var issues []SafetyIssue

	stats, err := NumstatDiff(ctx, dir, "origin/"+baseBranch, branch)
	if err != nil {
		return nil, err
	}
	for _, f := range stats {
		if !f.Binary {
			continue
		}
		size, err := gitBlobSize(ctx, dir, branch, f.Path)
		if err != nil {
			continue // file may have been deleted
		}
		if size > maxBinarySize {
			issues = append(issues, SafetyIssue{
				File:   f.Path,
				Kind:   "large_binary",
				Detail: fmt.Sprintf("binary file is %s (limit %s)", humanSize(size), humanSize(maxBinarySize)),
			})
		}
	}

	secretIssues, err := scanDiffForSecrets(ctx, dir, branch, baseBranch)
	if err != nil {
		return issues, err
	}
	return append(issues, secretIssues...), nil
}

func gitBlobSize(ctx context.Context, dir, branch, path string) (int64, error) {
	out, stderr, err := runGit(ctx, dir, "cat-file", "-s", branch+":"+path)
	if err != nil {
		return 0, fmt.Errorf("git cat-file -s: %w: %s", err, stderr)
	}
	return strconv.ParseInt(strings.TrimSpace(out), 10, 64)
}

// scanDiffForSecrets runs the diff and feeds each added line's content
// through gitleaks, deduping findings by file+rule.
func scanDiffForSecrets(ctx context.Context, dir, branch, baseBranch string) ([]SafetyIssue, error) {
	detector, err := defaultLeakDetector()
	if err != nil {
		slog.Warn("gitleaks detector unavailable, skipping secret scan", "err", err)
		return nil, nil
	}

	out, stderr, err := runGit(ctx, dir, "diff", "origin/"+baseBranch+"..."+branch)
	if err != nil {
		return nil, fmt.Errorf("git diff for secret scan: %w: %s", err, stderr)
	}

	var issues []SafetyIssue
	seen := make(map[string]bool)
	var currentFile string
	var addedBlock strings.Builder

	flush := func() {
		if addedBlock.Len() == 0 {
			return
		}
		for _, finding := range detector.DetectString(addedBlock.String()) {
			key := currentFile + ":" + finding.RuleID
			if seen[key] {
				continue
			}
			seen[key] = true
			issues = append(issues, SafetyIssue{
				File:   currentFile,
				Kind:   "secret",
				Detail: fmt.Sprintf("possible %s detected", finding.Description),
			})
		}
		addedBlock.Reset()
	}

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if after, ok := strings.CutPrefix(line, "+++ b/"); ok {
			flush()
			currentFile = after
			continue
		}
		if !strings.HasPrefix(line, "+") || strings.HasPrefix(line, "+++") {
			continue
		}
		addedBlock.WriteString(line[1:])
		addedBlock.WriteByte('\n')
	}
	flush()
	return issues, nil
}

func humanSize(b int64) string {
	switch {
	case b >= 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(b)/(1024*1024))
	case b >= 1024:
		return fmt.Sprintf("%.0f KB", float64(b)/1024)
	default:
		return fmt.Sprintf("%d B", b)
	}
}
