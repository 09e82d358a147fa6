package sandbox

import (
	"encoding/hex"
	"encoding/json"

	"github.com/xela07ax/agenshield/internal/domain"
	"github.com/zeebo/blake3"
)

// fingerprintKey: ключ доменного разделения для keyed BLAKE3: ASCII имени домена, дополненный нулями до 32 байт
var fingerprintKey = [32]byte{
	'a', 'g', 'e', 'n', 's', 'h', 'i', 'e', 'l', 'd', '.', 's', 'a', 'n', 'd', 'b',
	'o', 'x', '.', 'p', 'r', 'o', 'f', 'i', 'l', 'e', 0, 0, 0, 0, 0, 0,
}

// Fingerprint: стабильный хеш содержимого конфига: BLAKE3 от канонического JSON нормализованной копии.
// Порядок элементов в списках и дубли на отпечаток не влияют.
func Fingerprint(cfg domain.SandboxConfig) string {
	data, err := json.Marshal(cfg.Normalize())
	if err != nil {
		// SandboxConfig состоит из строк, чисел и map[string]string: Marshal не падает
		panic("sandbox: marshal config: " + err.Error())
	}
	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		panic("sandbox: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}
