// Package config binds the process configuration surface described in
// spec.md §6 via viper, the way the teacher repo binds cobra flags to
// environment variables in server/cmd/server/main.go — except here every
// worker shares one settings struct instead of a per-flag cobra binding,
// since all three workers read the same env surface (mirrors the single
// pydantic Settings object in original_source/backend/faust/config.py).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Settings is the full configuration surface from spec.md §6. Required
// fields are validated eagerly by Load; optional fields are marked below.
type Settings struct {
	APIURL     string `mapstructure:"API_URL"`
	APIKeyName string `mapstructure:"API_KEY_NAME"`
	APIKey     string `mapstructure:"API_KEY"`
	KafkaURL   string `mapstructure:"KAFKA_URL"`

	SfapiClientID   string `mapstructure:"SFAPI_CLIENT_ID"`
	SfapiPrivateKey string `mapstructure:"SFAPI_PRIVATE_KEY"`
	SfapiGrantType  string `mapstructure:"SFAPI_GRANT_TYPE"`
	SfapiUser       string `mapstructure:"SFAPI_USER"`

	AcquisitionUser string `mapstructure:"ACQUISITION_USER"`

	JobCountScriptPath      string `mapstructure:"JOB_COUNT_SCRIPT_PATH"`
	JobNcemhubRawDataPath   string `mapstructure:"JOB_NCEMHUB_RAW_DATA_PATH"`
	JobNcemhubCountDataPath string `mapstructure:"JOB_NCEMHUB_COUNT_DATA_PATH"`
	JobScriptDirectory      string `mapstructure:"JOB_SCRIPT_DIRECTORY"`
	JobBbcpNumberOfStreams  int    `mapstructure:"JOB_BBCP_NUMBER_OF_STREAMS"`
	JobQOS                  string `mapstructure:"JOB_QOS"`
	JobQOSFilter            string `mapstructure:"JOB_QOS_FILTER"`
	JobBbcpExecutablePath   string `mapstructure:"JOB_BBCP_EXECUTABLE_PATH"`
	JobMachineOverridesPath string `mapstructure:"JOB_MACHINE_OVERRIDES_PATH"` // optional
	// JobCountScratchDir recovers the original's DW_JOB_STRIPED_VAR scratch
	// destination for count jobs (SPEC_FULL.md §4.3). Optional — falls back
	// to JobNcemhubCountDataPath when unset.
	JobCountScratchDir string `mapstructure:"JOB_COUNT_SCRATCH_DIR"`

	HaadfImageUploadDir                string `mapstructure:"HAADF_IMAGE_UPLOAD_DIR"`
	HaadfImageUploadDirExpirationHours int    `mapstructure:"HAADF_IMAGE_UPLOAD_DIR_EXPIRATION_HOURS"`
	HaadfNcemhubDm4DataPath            string `mapstructure:"HAADF_NCEMHUB_DM4_DATA_PATH"`

	CustodianUser       string   `mapstructure:"CUSTODIAN_USER"`
	CustodianPrivateKey string   `mapstructure:"CUSTODIAN_PRIVATE_KEY"`
	CustodianValidHosts []string `mapstructure:"CUSTODIAN_VALID_HOSTS"`

	// NumberOfLogFiles is the scan completion threshold. Defaults to 72
	// (spec.md §9: "The spec promotes it to configuration... with 72 as
	// default").
	NumberOfLogFiles int `mapstructure:"NUMBER_OF_LOG_FILES"`

	// LocalStateDB is the DSN for the embedded kvtable store (SPEC_FULL.md
	// §3 "Local embedded changelog-backed store"). Not part of spec.md's
	// literal configuration surface — an implementation detail of the Go
	// port's storage choice, analogous to Faust's `store="rocksdb://"`.
	LocalStateDB string `mapstructure:"LOCAL_STATE_DB"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
}

var requiredKeys = []string{
	"API_URL", "API_KEY_NAME", "API_KEY", "KAFKA_URL",
	"SFAPI_CLIENT_ID", "SFAPI_PRIVATE_KEY", "SFAPI_GRANT_TYPE", "SFAPI_USER",
	"ACQUISITION_USER",
	"JOB_COUNT_SCRIPT_PATH", "JOB_NCEMHUB_RAW_DATA_PATH", "JOB_NCEMHUB_COUNT_DATA_PATH",
	"JOB_SCRIPT_DIRECTORY", "JOB_BBCP_NUMBER_OF_STREAMS", "JOB_QOS", "JOB_QOS_FILTER",
	"JOB_BBCP_EXECUTABLE_PATH",
	"HAADF_IMAGE_UPLOAD_DIR", "HAADF_IMAGE_UPLOAD_DIR_EXPIRATION_HOURS", "HAADF_NCEMHUB_DM4_DATA_PATH",
	"CUSTODIAN_USER", "CUSTODIAN_PRIVATE_KEY", "CUSTODIAN_VALID_HOSTS",
}

var optionalKeys = []string{"JOB_MACHINE_OVERRIDES_PATH", "JOB_COUNT_SCRATCH_DIR"}

// Load reads settings from the environment (and an optional .env-style file
// at path, if non-empty) and validates that every field spec.md marks
// required is present. Mirrors the eager validation of the Python
// pydantic.BaseSettings in original_source/backend/faust/config.py — fail
// fast at process start rather than at first use.
func Load(envFile string) (*Settings, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("NUMBER_OF_LOG_FILES", 72)
	v.SetDefault("LOCAL_STATE_DB", "./still-state.db")
	v.SetDefault("LOG_LEVEL", "info")

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", envFile, err)
		}
	}

	for _, k := range requiredKeys {
		// Bind explicitly so viper's env lookup sees keys that have not
		// been set by any file, matching AutomaticEnv's lazy resolution.
		_ = v.BindEnv(k)
	}
	for _, k := range optionalKeys {
		_ = v.BindEnv(k)
	}

	var s Settings
	hosts := v.GetString("CUSTODIAN_VALID_HOSTS")

	decodeHook := func() error {
		return v.Unmarshal(&s)
	}
	if err := decodeHook(); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if hosts != "" {
		s.CustodianValidHosts = splitAndTrim(hosts, ",")
	}

	var missing []string
	for _, k := range requiredKeys {
		if v.GetString(k) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("config: missing required settings: %s", strings.Join(missing, ", "))
	}

	return &s, nil
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
