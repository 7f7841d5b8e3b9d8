package config

import (
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"refwallet.com/pkg/logger"
)

// Load 约定 config/{service}.yaml，环境变量覆盖，例如：
//
//	WALLET_SERVICE_VAULT_PASSPHRASE 覆盖 vault.passphrase
//	WALLET_SERVICE_ORM_DSN 覆盖 orm.dsn
func Load(service string, out interface{}, paths ...string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix(strings.ToUpper(strings.ReplaceAll(service, "-", "_")))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}
	logger.Log.Info("config loaded", zap.String("service", service), zap.String("file", v.ConfigFileUsed()))
	return v, nil
}

// LoadAndWatch 加载后监听文件变更。
// 变更不会直接写回 out，由 onChange 自己 Unmarshal 到新对象再替换，避免和读者竞争
func LoadAndWatch(service string, out interface{}, onChange func(v *viper.Viper), paths ...string) (*viper.Viper, error) {
	v, err := Load(service, out, paths...)
	if err != nil {
		return nil, err
	}
	if onChange == nil {
		return v, nil
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Log.Info("config file changed", zap.String("service", service), zap.String("file", e.Name))
		onChange(v)
	})
	v.WatchConfig()
	return v, nil
}
