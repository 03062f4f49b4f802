package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "KLINES_CONFIG"

const defaultConfigPath = "configs/klines.yaml"

// FlagBinding 把命令行 flag 绑定到配置键，flag 被显式设置时覆盖文件中的值。
type FlagBinding struct {
	Key  string
	Flag *pflag.Flag
}

// ResolvePath 按 flag > KLINES_CONFIG > configs/klines.yaml 的顺序选择配置文件，都不存在时返回空串。
func ResolvePath(flagPath string) string {
	if p := strings.TrimSpace(flagPath); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}

// Load 读取配置文件（含 include 链），空路径时只使用默认值与 flag。
func Load(path string, flags ...FlagBinding) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if strings.TrimSpace(path) != "" {
		if err := readChain(v, path); err != nil {
			return nil, err
		}
	}
	// 只有文件里出现过的键才算显式设置，flag 的默认值不算
	keys := make(keySet)
	for _, k := range v.AllKeys() {
		keys.mark(k)
	}
	if err := bindFlags(v, keys, flags); err != nil {
		return nil, err
	}
	return decode(v, keys)
}

func bindFlags(v *viper.Viper, keys keySet, flags []FlagBinding) error {
	for _, fb := range flags {
		if fb.Flag == nil || strings.TrimSpace(fb.Key) == "" {
			continue
		}
		if err := v.BindPFlag(fb.Key, fb.Flag); err != nil {
			return fmt.Errorf("binding flag --%s to %s failed: %w", fb.Flag.Name, fb.Key, err)
		}
		if fb.Flag.Changed {
			keys.mark(fb.Key)
		}
	}
	return nil
}

func decode(v *viper.Viper, keys keySet) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults(keys)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
