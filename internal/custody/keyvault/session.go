package keyvault

import "context"

// SecretProvider 服务层只依赖这个接口
type SecretProvider interface {
	Secret(ctx context.Context, p Purpose) (*Secret, error)
}

// Session 启动时绑定口令，服务不直接接触口令
type Session struct {
	vault      *Vault
	passphrase []byte
}

func NewSession(v *Vault, passphrase []byte) *Session {
	return &Session{vault: v, passphrase: append([]byte(nil), passphrase...)}
}

func (s *Session) Secret(ctx context.Context, p Purpose) (*Secret, error) {
	if p == PurposeMasterSeed {
		return s.vault.Unlock(ctx, s.passphrase)
	}
	return s.vault.DeriveSecret(ctx, p, s.passphrase)
}

func (s *Session) Close() {
	zero(s.passphrase)
	s.vault.cache.purge()
}
