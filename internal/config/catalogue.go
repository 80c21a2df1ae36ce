package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// catalogueEntry binds one recognised environment variable to its dotted
// config path. The catalogue is the single source of truth for three
// behaviours: the process-env overlay in Load, base env file parsing,
// and Materialise's flat dump consumed by the subprocess shim.
type catalogueEntry struct {
	env  string
	path string
}

// The env-var names are a fixed external contract (downstream executors
// read them); the token names reflect the canonical Gnosis deployment
// (sDAI currency, GNO company) but bind to whatever addresses the
// proposal configures.
var catalogue = []catalogueEntry{
	{"RPC_URL", "network.rpc_url"},
	{"CHAIN_ID", "network.chain_id"},
	{"PRIVATE_KEY", "wallet.private_key"},

	{"FUTARCHY_ARB_EXECUTOR_V5", "contracts.futarchy_executor_v5"},
	{"PREDICTION_ARB_EXECUTOR_V1", "contracts.prediction_executor_v1"},
	{"BALANCER_ROUTER_ADDRESS", "contracts.balancer_router"},
	{"SWAPR_ROUTER_ADDRESS", "contracts.swapr_router"},
	{"FUTARCHY_ROUTER_ADDRESS", "contracts.futarchy_router"},
	{"BALANCER_VAULT_ADDRESS", "contracts.balancer_vault"},

	{"SDAI_TOKEN_ADDRESS", "proposal.tokens.currency"},
	{"COMPANY_TOKEN_ADDRESS", "proposal.tokens.company"},
	{"SWAPR_SDAI_YES_ADDRESS", "proposal.tokens.yes_currency"},
	{"SWAPR_SDAI_NO_ADDRESS", "proposal.tokens.no_currency"},
	{"SWAPR_GNO_YES_ADDRESS", "proposal.tokens.yes_company"},
	{"SWAPR_GNO_NO_ADDRESS", "proposal.tokens.no_company"},

	{"BALANCER_POOL_ADDRESS", "proposal.pools.balancer_company_currency.address"},
	{"SWAPR_POOL_YES_ADDRESS", "proposal.pools.swapr_yes.address"},
	{"SWAPR_POOL_NO_ADDRESS", "proposal.pools.swapr_no.address"},
	{"SWAPR_POOL_PRED_YES_ADDRESS", "proposal.pools.swapr_pred_yes.address"},
	{"SWAPR_POOL_PRED_NO_ADDRESS", "proposal.pools.swapr_pred_no.address"},

	{"PRIORITY_FEE_WEI", "network.priority_fee_wei"},
	{"MAX_FEE_MULTIPLIER", "network.max_fee_multiplier"},
	{"MIN_GAS_PRICE_BUMP_WEI", "network.min_gas_price_bump_wei"},
}

// applyEnvFile reads a KEY=value file and applies every recognised key
// through the catalogue. Unknown keys are ignored; empty values are
// treated as absent.
func applyEnvFile(v *viper.Viper, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	defer f.Close()

	byEnv := make(map[string]string, len(catalogue))
	for _, entry := range catalogue {
		byEnv[entry.env] = entry.path
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if val == "" {
			continue
		}
		if dotted, known := byEnv[key]; known {
			v.Set(dotted, val)
		}
	}
	return scanner.Err()
}

// Materialise flattens the effective config into the fixed env-var
// catalogue. Keys whose effective value is empty are omitted, so a
// downstream consumer's own defaults stay intact.
func (m *Manager) Materialise() map[string]string {
	out := make(map[string]string, len(catalogue))
	for _, entry := range catalogue {
		if val := m.v.GetString(entry.path); val != "" && val != "0" {
			out[entry.env] = val
		}
	}
	// Numeric gas keys default rather than disappear: a shimmed executor
	// must see the same gas policy the in-process adapter would use.
	out["PRIORITY_FEE_WEI"] = m.v.GetString("network.priority_fee_wei")
	out["MAX_FEE_MULTIPLIER"] = m.v.GetString("network.max_fee_multiplier")
	out["MIN_GAS_PRICE_BUMP_WEI"] = m.v.GetString("network.min_gas_price_bump_wei")
	return out
}

// RecognisedEnvKeys returns the environment-variable names of the fixed
// catalogue, in declaration order.
func RecognisedEnvKeys() []string {
	keys := make([]string, len(catalogue))
	for i, entry := range catalogue {
		keys[i] = entry.env
	}
	return keys
}
