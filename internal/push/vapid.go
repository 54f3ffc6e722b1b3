package push

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	webpush "github.com/SherClockHolmes/webpush-go"
	"gopkg.in/yaml.v3"
)

// DefaultKeysFile: файл с VAPID-ключами, если VAPID_KEYS_FILE не задан.
const DefaultKeysFile = "config/vapid.yaml"

// notificationTTL в секундах: сколько браузерный push-сервис держит недоставленное.
const notificationTTL = 30

// VAPIDKeys: пара ключей, которой подписываются уведомления.
type VAPIDKeys struct {
	PublicKey  string `yaml:"public_key"`
	PrivateKey string `yaml:"private_key"`
}

func (k *VAPIDKeys) Valid() bool { return k != nil && k.PublicKey != "" && k.PrivateKey != "" }

func (k *VAPIDKeys) options(subscriber string) *webpush.Options {
	return &webpush.Options{
		Subscriber:      subscriber,
		VAPIDPublicKey:  k.PublicKey,
		VAPIDPrivateKey: k.PrivateKey,
		TTL:             notificationTTL,
	}
}

// GenerateVAPIDKeys создаёт новую пару.
func GenerateVAPIDKeys() (*VAPIDKeys, error) {
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("push.GenerateVAPIDKeys: %w", err)
	}
	return &VAPIDKeys{PublicKey: pub, PrivateKey: priv}, nil
}

// LoadOrCreateVAPIDKeys читает ключи из path, а при отсутствии файла создаёт
// и сохраняет новую пару. created сообщает, что ключи новые.
// Повреждённый файл не перезаписывается.
func LoadOrCreateVAPIDKeys(path string) (keys *VAPIDKeys, created bool, err error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		keys = &VAPIDKeys{}
		if err := yaml.Unmarshal(data, keys); err != nil {
			return nil, false, fmt.Errorf("push.LoadOrCreateVAPIDKeys: %s: %w", path, err)
		}
		if keys.Valid() {
			return keys, false, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, false, fmt.Errorf("push.LoadOrCreateVAPIDKeys: %w", err)
	}

	if keys, err = GenerateVAPIDKeys(); err != nil {
		return nil, false, err
	}
	if err := writeKeysFile(path, keys); err != nil {
		return nil, false, fmt.Errorf("push.LoadOrCreateVAPIDKeys: %w", err)
	}
	return keys, true, nil
}

func writeKeysFile(path string, keys *VAPIDKeys) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(keys)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
