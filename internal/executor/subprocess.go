package executor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"futarchy-arb/pkg/types"
)

// txHashPattern matches the hash line every external executor variant
// prints. Kept as a compatibility layer only; the in-process adapter
// returns the hash structurally.
var txHashPattern = regexp.MustCompile(`(?:Tx sent|Transaction hash|tx):\s*(?:0x)?([a-fA-F0-9]{64})`)

// minProfitStderrMarker is the literal the external executor writes to
// stderr when its profit guard rejects the trade.
const minProfitStderrMarker = "min profit not met"

// ParseTxHash extracts the first transaction hash from executor stdout.
// Returns false when no hash line is present. Pure function of its
// input; repeated parses of the same output agree.
func ParseTxHash(stdout string) (common.Hash, bool) {
	m := txHashPattern.FindStringSubmatch(stdout)
	if m == nil {
		return common.Hash{}, false
	}
	return common.HexToHash("0x" + m[1]), true
}

// Shim runs the executor adapter out of process: it materialises the
// effective config to an env file, launches the external executor with
// that file, and recovers the transaction hash from its stdout. Used
// only as a stability escape hatch when the in-process adapter cannot
// be embedded.
type Shim struct {
	// Command is the external executor binary.
	Command string
	// EnvDir is where materialised env files are written.
	EnvDir string
	// Materialise produces the flat env mapping the child consumes.
	Materialise func() map[string]string

	Logger *slog.Logger
}

// Run launches one external executor invocation for the intent and
// blocks until the child exits.
func (s *Shim) Run(ctx context.Context, intent types.TradeIntent) (types.TradeResult, error) {
	start := time.Now()

	envFile, stripped, err := s.writeEnvFile()
	if err != nil {
		return types.TradeResult{}, err
	}

	args := []string{envFile}
	if intent.Flow != "" {
		args = append(args, "--flow", strings.ToLower(string(intent.Flow)))
	}
	if intent.Cheaper != "" {
		args = append(args, "--cheaper", strings.ToLower(string(intent.Cheaper)))
	}
	if intent.AmountIn != nil {
		args = append(args, "--amount", intent.AmountIn.String())
	}
	if intent.MinProfit != nil {
		args = append(args, "--min-profit", intent.MinProfit.String())
	}
	if intent.Prefund {
		args = append(args, "--prefund")
	}

	cmd := exec.CommandContext(ctx, s.Command, args...)
	cmd.Env = stripped
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.Logger.Info("launching external executor", "command", s.Command, "env_file", envFile)
	runErr := cmd.Run()

	result := types.TradeResult{Duration: time.Since(start)}
	if hash, ok := ParseTxHash(stdout.String()); ok {
		result.TxHash = hash
	}

	if runErr == nil {
		return result, nil
	}
	if strings.Contains(strings.ToLower(stderr.String()), minProfitStderrMarker) {
		return result, &types.KindError{Kind: types.KindMinProfitNotMet, Msg: "external executor skipped: profit guard"}
	}
	return result, &types.KindError{
		Kind: types.KindSendReverted,
		Msg:  fmt.Sprintf("external executor failed: %v; stderr: %s", runErr, truncate(stderr.String(), 400)),
	}
}

// writeEnvFile materialises the config under EnvDir and returns the
// file path plus the parent environment stripped of every key the file
// defines; the file is the single source of truth for those keys.
func (s *Shim) writeEnvFile() (string, []string, error) {
	if err := os.MkdirAll(s.EnvDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create env dir: %w", err)
	}

	env := s.Materialise()
	name := fmt.Sprintf("exec_env_%d_%d.env", time.Now().Unix(), os.Getpid())
	path := filepath.Join(s.EnvDir, name)

	var b strings.Builder
	for key, val := range env {
		fmt.Fprintf(&b, "%s=%s\n", key, val)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return "", nil, fmt.Errorf("write env file: %w", err)
	}

	var stripped []string
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if _, shadowed := env[key]; !shadowed {
			stripped = append(stripped, kv)
		}
	}
	return path, stripped, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
