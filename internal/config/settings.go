package config

import (
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Settings are the dashboard's own runtime knobs, as opposed to the project list.
type Settings struct {
	ConfigPath   string
	StatePath    string
	LogDir       string
	ProjectsRoot string
	StaticDir    string
	HistoryDB    string
	Env          string
	ListenHost   string
	PortOverride int
	TunnelBin    string
	LogLevel     string
	LogJSON      bool
}

// Setting keys shared between cobra flag bindings and LoadSettings.
const (
	KeyConfig       = "config"
	KeyState        = "state"
	KeyLogDir       = "log-dir"
	KeyProjectsRoot = "projects-root"
	KeyStaticDir    = "static-dir"
	KeyHistoryDB    = "history-db"
	KeyEnv          = "env"
	KeyHost         = "host"
	KeyPort         = "port"
	KeyTunnelBin    = "tunnel-bin"
	KeyLogLevel     = "log-level"
	KeyLogJSON      = "log-json"
)

// SetDefaults registers defaults and the DASHBOARD_ env prefix on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyConfig, "dashboard.config.json")
	v.SetDefault(KeyState, filepath.Join(".dashboard", "state.json"))
	v.SetDefault(KeyLogDir, filepath.Join(".dashboard", "logs"))
	v.SetDefault(KeyProjectsRoot, "")
	v.SetDefault(KeyStaticDir, "public")
	v.SetDefault(KeyHistoryDB, filepath.Join(".dashboard", "history.db"))
	v.SetDefault(KeyEnv, "development")
	v.SetDefault(KeyHost, "127.0.0.1")
	v.SetDefault(KeyPort, 0)
	v.SetDefault(KeyTunnelBin, "cloudflared")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogJSON, false)

	v.SetEnvPrefix("DASHBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// LoadSettings reads every key from v. An empty projects root falls back to
// the directory holding the config file.
func LoadSettings(v *viper.Viper) Settings {
	s := Settings{
		ConfigPath:   v.GetString(KeyConfig),
		StatePath:    v.GetString(KeyState),
		LogDir:       v.GetString(KeyLogDir),
		ProjectsRoot: v.GetString(KeyProjectsRoot),
		StaticDir:    v.GetString(KeyStaticDir),
		HistoryDB:    v.GetString(KeyHistoryDB),
		Env:          v.GetString(KeyEnv),
		ListenHost:   v.GetString(KeyHost),
		PortOverride: v.GetInt(KeyPort),
		TunnelBin:    v.GetString(KeyTunnelBin),
		LogLevel:     v.GetString(KeyLogLevel),
		LogJSON:      v.GetBool(KeyLogJSON),
	}
	if s.ProjectsRoot == "" {
		s.ProjectsRoot = filepath.Dir(s.ConfigPath)
	}
	return s
}

// IsProduction reports whether diagnostic error fields must be suppressed.
func (s Settings) IsProduction() bool {
	return strings.EqualFold(s.Env, "production")
}
