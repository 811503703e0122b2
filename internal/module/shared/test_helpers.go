package shared

import (
	"log"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/v2"
)

// SetupCfg builds a koanf instance from the defaults plus overrides, without
// reading config/default.yaml or the environment.
func SetupCfg(overrides map[string]interface{}) *koanf.Koanf {
	// 创建一个新的 koanf 实例
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(DefaultValues(), "."), nil); err != nil {
		log.Fatalf("error loading default values: %v", err)
	}
	if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
		log.Fatalf("error loading overrides: %v", err)
	}
	return k
}
