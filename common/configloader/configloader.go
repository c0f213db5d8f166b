// common/configloader/configloader.go
package configloader

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Validator реализуют конфиги, которые умеют проверять себя после decode.
type Validator interface {
	Validate() error
}

// Load загружает конфиг в cfgPtr: defaults → YAML-файл → ENV.
// envPrefix: префикс ENV переменных, например "STREAMER":
// ключ streaming.ws_url читается из STREAMER_STREAMING_WS_URL.
func Load(path, envPrefix string, cfgPtr interface{}) error {
	v := viper.New()

	// Шаг 1: зарегистрированные defaults
	for key, val := range getDefaults() {
		v.SetDefault(key, val)
	}

	// Шаг 2: environment override
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Шаг 3: файл (если задан)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("configloader: read config %q: %w", path, err)
		}
	}

	// Шаг 4: decode
	if err := decode(v.AllSettings(), cfgPtr); err != nil {
		return fmt.Errorf("configloader: decode failed: %w", err)
	}

	// Шаг 5: validate
	if val, ok := cfgPtr.(Validator); ok {
		if err := val.Validate(); err != nil {
			return fmt.Errorf("configloader: validation failed: %w", err)
		}
	}
	return nil
}
