// Package config binds the shard's command-line flags and environment
// variables to a ShardConfig struct, the same way the teacher's cmd/serve
// package binds dKV's ServerConfig: cobra flags registered at init, bound
// to viper in a PreRunE, with .env/.env.local loaded via godotenv before
// anything else runs.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ADOConfig groups the co-process settings the shard needs to spawn and
// supervise one ADO instance per pool that requests it (spec §4.7, §6).
type ADOConfig struct {
	Path    string // path to the ADO binary
	Plugins []string
	Params  string // JSON5/hujson blob of plugin parameters, see internal/adoparams
	Cores   string // CPU core list for the ADO process; logged at startup, no pinning is applied
}

// ShardConfig is the recognized option set a shard instance consumes,
// matching spec.md §9's list: shard core, transport address/port/provider,
// backend name, DAX config, ADO path/plugins/params/cores, cert path,
// forced-exit flag, profile file.
type ShardConfig struct {
	Core uint

	TransportAddress  string
	TransportPort     int
	TransportProvider string // "tcp" or "loopback"

	Backend string // "mapstore", "hstore", "hstorecc"
	DAXPath string // DAX device or file-backed pool-region path, empty for mapstore

	ADO ADOConfig

	CertPath   string
	ForcedExit bool // passed to the event loop, which does not read it: shutdown always retires ADO proxies
	ProfilePath string // parsed and stored only; no profile is written

	LogLevel string
}

// HasADO reports whether any pool on this shard may start an ADO process.
func (c ShardConfig) HasADO() bool {
	return c.ADO.Path != ""
}

// BindFlags registers every ShardConfig flag on cmd, mirroring the
// teacher's ServeCmd.init pattern: one PersistentFlags call per field,
// grouped in the same order as the struct above.
func BindFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().Uint("core", 0, "CPU core number recorded for the shard's event loop (no CPU affinity is set)")

	cmd.PersistentFlags().String("transport-address", "0.0.0.0", "Address the shard's transport endpoint binds to")
	cmd.PersistentFlags().Int("transport-port", 11911, "Port the shard's transport endpoint binds to")
	cmd.PersistentFlags().String("transport-provider", "tcp", "Transport provider (tcp, loopback)")

	cmd.PersistentFlags().String("backend", "mapstore", "Key-value backend (mapstore, hstore, hstorecc)")
	cmd.PersistentFlags().String("dax-path", "", "DAX device or file-backed pool-region path (ignored by mapstore)")

	cmd.PersistentFlags().String("ado-path", "", "Path to the ADO co-process binary; empty disables ADO")
	cmd.PersistentFlags().StringSlice("ado-plugins", nil, "ADO plugin shared-object names, load order matters")
	cmd.PersistentFlags().String("ado-params", "{}", "ADO plugin parameters, as a JSON5/hujson document or @path-to-file")
	cmd.PersistentFlags().String("ado-cores", "", "CPU core list for the ADO process, e.g. \"2-3\"; logged only, no pinning is applied")

	cmd.PersistentFlags().String("cert-path", "", "TLS certificate path for the transport endpoint")
	cmd.PersistentFlags().Bool("forced-exit", false, "Forced-exit flag; accepted but has no effect on shutdown")
	cmd.PersistentFlags().String("profile-path", "", "Profile file path; accepted but no profile is written")

	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
}

// BindCommandFlags binds a command's already-registered flags to viper, so
// both CLI flags and MCAS_-prefixed environment variables resolve through
// the same accessor.
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// InitEnv loads .env/.env.local (if present) and configures viper's
// environment-variable prefix and key replacer, following the teacher's
// initConfig/InitClientConfig pattern exactly but under the MCAS_ prefix.
func InitEnv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("mcas")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// FromViper reads a fully populated ShardConfig out of viper after flags
// have been bound. Call after BindCommandFlags and InitEnv.
func FromViper() (ShardConfig, error) {
	c := ShardConfig{
		Core: viper.GetUint("core"),

		TransportAddress:  viper.GetString("transport-address"),
		TransportPort:     viper.GetInt("transport-port"),
		TransportProvider: viper.GetString("transport-provider"),

		Backend: viper.GetString("backend"),
		DAXPath: viper.GetString("dax-path"),

		ADO: ADOConfig{
			Path:    viper.GetString("ado-path"),
			Plugins: viper.GetStringSlice("ado-plugins"),
			Params:  viper.GetString("ado-params"),
			Cores:   viper.GetString("ado-cores"),
		},

		CertPath:    viper.GetString("cert-path"),
		ForcedExit:  viper.GetBool("forced-exit"),
		ProfilePath: viper.GetString("profile-path"),

		LogLevel: viper.GetString("log-level"),
	}

	switch c.TransportProvider {
	case "tcp", "loopback":
	default:
		return c, fmt.Errorf("invalid transport provider %q (want tcp or loopback)", c.TransportProvider)
	}

	switch c.Backend {
	case "mapstore", "hstore", "hstorecc":
	default:
		return c, fmt.Errorf("invalid backend %q (want mapstore, hstore or hstorecc)", c.Backend)
	}

	return c, nil
}
