// Package config loads the daemon's INI-style configuration (spec.md §6):
// a `[yerba]` section for the control-socket port, a `[db]` section for
// the persistence path, and up to ten `[workqueue]`/`[workqueue1]`…
// `[workqueue9]` sections, each a free-form dict handed to the work-queue
// adapter it configures. Rebuilt on the teacher's spf13/viper loader
// (internal/config/config.go), adapted from Station's flat
// viper-with-env-override style to viper's native INI support.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// maxWorkqueueSections bounds the [workqueue], [workqueue1]..[workqueue9]
// sections spec.md §6 allows.
const maxWorkqueueSections = 10

// YerbaSection is the `[yerba]` section: daemon-wide settings.
type YerbaSection struct {
	Port int
}

// DBSection is the `[db]` section: persistence layer settings.
type DBSection struct {
	Path       string
	StartIndex int64
}

// WorkqueueSection is one `[workqueue]`/`[workqueueN]` section: a
// free-form dict passed verbatim to the back-end adapter it names,
// keyed by its own `group`/`name` fields (spec.md §4.3, §4.5).
type WorkqueueSection struct {
	Group    string
	Name     string
	Settings map[string]interface{}
}

// Config is the fully-parsed daemon configuration.
type Config struct {
	Yerba      YerbaSection
	DB         DBSection
	Workqueues []WorkqueueSection
}

// Load reads an INI file at path and binds the `YERBA_PORT`/`YERBA_DB_PATH`
// environment overrides the teacher's loader uses for its own
// operationally-interesting settings.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")

	v.SetDefault("yerba.port", 5050)
	v.SetDefault("db.path", "yerba.db")
	v.SetDefault("db.start_index", 1)

	v.SetEnvPrefix("YERBA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("yerba.port", "YERBA_PORT")
	_ = v.BindEnv("db.path", "YERBA_DB_PATH")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{
		Yerba: YerbaSection{Port: v.GetInt("yerba.port")},
		DB: DBSection{
			Path:       v.GetString("db.path"),
			StartIndex: v.GetInt64("db.start_index"),
		},
	}

	cfg.Workqueues = append(cfg.Workqueues, workqueueSection(v, "workqueue"))
	for i := 1; i < maxWorkqueueSections; i++ {
		section := fmt.Sprintf("workqueue%d", i)
		if !v.IsSet(section) {
			continue
		}
		cfg.Workqueues = append(cfg.Workqueues, workqueueSection(v, section))
	}
	return cfg, nil
}

func workqueueSection(v *viper.Viper, section string) WorkqueueSection {
	settings := v.GetStringMap(section)
	group, _ := settings["group"].(string)
	name, _ := settings["name"].(string)
	return WorkqueueSection{Group: group, Name: name, Settings: settings}
}
