package por

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"kerne-operator/internal/fileutil"
)

const (
	historyPrefix = "por_"
	historyLayout = "20060102T150405Z"
	reportLayout  = "2006_01_02"
)

// ErrHistoryExists means an attestation with the same timestamp was already recorded.
var ErrHistoryExists = errors.New("attestation history entry already exists")

// Repository owns the attestation artifacts under the data directory. It has a single writer.
type Repository struct {
	dataDir string
}

// NewRepository roots the artifacts at dataDir.
func NewRepository(dataDir string) *Repository {
	return &Repository{dataDir: dataDir}
}

// HistoryDir holds the append-only per-attestation files.
func (r *Repository) HistoryDir() string { return filepath.Join(r.dataDir, "por", "history") }

// LatestPath is the atomically replaced pointer to the newest attestation.
func (r *Repository) LatestPath() string { return filepath.Join(r.dataDir, "por", "latest.json") }

// LatchPath marks a refused insolvent attestation; its presence disables publication.
func (r *Repository) LatchPath() string { return filepath.Join(r.dataDir, "por", "insolvency.latch") }

// ReportDir holds the Markdown reports.
func (r *Repository) ReportDir() string { return filepath.Join(r.dataDir, "reports") }

// HistoryPath returns the history file for an attestation time.
func (r *Repository) HistoryPath(at time.Time) string {
	return filepath.Join(r.HistoryDir(), historyPrefix+at.UTC().Format(historyLayout)+".json")
}

// AppendHistory writes a new history entry. Existing entries are never overwritten.
func (r *Repository) AppendHistory(a Attestation) (string, error) {
	data, err := Canonical(a)
	if err != nil {
		return "", fmt.Errorf("encode attestation: %w", err)
	}
	path := r.HistoryPath(a.At())
	if err := fileutil.WriteExclusive(path, append(data, '\n'), 0o644); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrHistoryExists, filepath.Base(path))
		}
		return "", fmt.Errorf("write history: %w", err)
	}
	return path, nil
}

// WriteLatest replaces latest.json atomically.
func (r *Repository) WriteLatest(a Attestation) error {
	data, err := Canonical(a)
	if err != nil {
		return fmt.Errorf("encode attestation: %w", err)
	}
	if err := fileutil.WriteAtomic(r.LatestPath(), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write latest: %w", err)
	}
	return nil
}

// Latest reads latest.json; ok is false when none exists yet.
func (r *Repository) Latest() (Attestation, bool, error) {
	raw, err := os.ReadFile(r.LatestPath())
	if errors.Is(err, os.ErrNotExist) {
		return Attestation{}, false, nil
	}
	if err != nil {
		return Attestation{}, false, fmt.Errorf("read latest: %w", err)
	}
	var a Attestation
	if err := json.Unmarshal(raw, &a); err != nil {
		return Attestation{}, false, fmt.Errorf("decode latest: %w", err)
	}
	return a, true, nil
}

// History returns up to limit entries, newest first. limit <= 0 returns everything.
func (r *Repository) History(limit int) ([]Attestation, error) {
	entries, err := os.ReadDir(r.HistoryDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), historyPrefix) || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	// the timestamp layout sorts lexically
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}

	out := make([]Attestation, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(r.HistoryDir(), name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var a Attestation
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// LastTimestamp returns the newest recorded attestation time in unix seconds, 0 when empty.
func (r *Repository) LastTimestamp() (int64, error) {
	latest, ok, err := r.Latest()
	if err != nil {
		return 0, err
	}
	last := int64(0)
	if ok {
		last = latest.Timestamp
	}
	hist, err := r.History(1)
	if err != nil {
		return 0, err
	}
	if len(hist) > 0 && hist[0].Timestamp > last {
		last = hist[0].Timestamp
	}
	return last, nil
}

// InsolvencyLatched reports whether the latch marker exists.
func (r *Repository) InsolvencyLatched() (bool, error) {
	_, err := os.Stat(r.LatchPath())
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat latch: %w", err)
	}
	return true, nil
}

// SetInsolvencyLatch writes or removes the latch marker.
func (r *Repository) SetInsolvencyLatch(on bool) error {
	if !on {
		if err := os.Remove(r.LatchPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("clear latch: %w", err)
		}
		return nil
	}
	stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := fileutil.WriteAtomic(r.LatchPath(), []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("write latch: %w", err)
	}
	return nil
}

// WriteReport renders the daily Markdown report, replacing any earlier report of the same day.
func (r *Repository) WriteReport(a Attestation) (string, error) {
	path := filepath.Join(r.ReportDir(), "solvency_report_"+a.At().Format(reportLayout)+".md")
	if err := fileutil.WriteAtomic(path, []byte(RenderReport(a)), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// RenderReport formats a human-readable solvency report.
func RenderReport(a Attestation) string {
	b := strings.Builder{}
	b.WriteString("# Solvency Report\n\n")
	b.WriteString(fmt.Sprintf("- Time: %s\n", a.At().Format(time.RFC3339)))
	b.WriteString(fmt.Sprintf("- Status: **%s**\n", a.Status))
	b.WriteString(fmt.Sprintf("- Method: %s\n", a.Method))
	if a.FallbackReason != "" {
		b.WriteString(fmt.Sprintf("- Fallback reason: %s\n", a.FallbackReason))
	}
	if a.DryRun {
		b.WriteString("- Dry run: yes (not published)\n")
	}
	if a.RiskTier != "" {
		b.WriteString(fmt.Sprintf("- Sentinel tier: %s\n", a.RiskTier))
	}

	b.WriteString("\n## Totals\n\n")
	b.WriteString("| Metric | Value |\n|---|---|\n")
	b.WriteString(fmt.Sprintf("| On-chain assets | %s |\n", a.OnChainAssets.StringFixed(4)))
	b.WriteString(fmt.Sprintf("| Off-chain assets | %s |\n", a.OffChainAssets.StringFixed(4)))
	b.WriteString(fmt.Sprintf("| Exchange equity (USD) | %s |\n", a.ExchangeEquity.StringFixed(2)))
	b.WriteString(fmt.Sprintf("| Total assets | %s |\n", a.TotalAssets.StringFixed(4)))
	b.WriteString(fmt.Sprintf("| Total liabilities | %s |\n", a.TotalLiabilities.StringFixed(4)))
	b.WriteString(fmt.Sprintf("| Solvency ratio | %s |\n", formatRatio(a.Payload)))
	b.WriteString(fmt.Sprintf("| Net delta | %s%% |\n", a.NetDelta.Shift(2).StringFixed(2)))

	b.WriteString("\n## Chains\n\n")
	b.WriteString("| Chain | Block | Total assets | Total supply |\n|---|---|---|---|\n")
	for _, c := range a.Chains {
		b.WriteString(fmt.Sprintf("| %s | %d | %s | %s |\n", c.Chain, c.Block, c.TotalAssets.StringFixed(4), c.TotalSupply.StringFixed(4)))
	}

	b.WriteString("\n## Signature\n\n")
	b.WriteString(fmt.Sprintf("- Signer: `%s`\n", a.Signer))
	b.WriteString(fmt.Sprintf("- Hash: `%s`\n", a.Hash))
	if a.TxHash != "" {
		b.WriteString(fmt.Sprintf("- Transaction: `%s`\n", a.TxHash))
	}
	if a.ProofIPFS != "" {
		b.WriteString(fmt.Sprintf("- Proof: `%s`\n", a.ProofIPFS))
	}
	return b.String()
}

func formatRatio(p Payload) string {
	r, ok := p.Ratio()
	if !ok {
		return InfiniteRatio
	}
	return r.Shift(2).StringFixed(2) + "%"
}
