package service

import (
	"context"
	"fmt"

	"refwallet.com/internal/custody/domain"
	"refwallet.com/internal/custody/keyvault"
)

const (
	CustodyPooled     = "pooled"
	CustodyPerAddress = "per-address"
)

// Signer 提现付款方的私钥来源。返回的私钥只在本次广播中使用
type Signer interface {
	Custody() string
	SigningKey(ctx context.Context, ownerID int64, currency, network string) (string, error)
}

// PooledSigner 所有提现都从该链的国库地址付出
type PooledSigner struct {
	secrets keyvault.SecretProvider
}

func NewPooledSigner(secrets keyvault.SecretProvider) *PooledSigner {
	return &PooledSigner{secrets: secrets}
}

func (s *PooledSigner) Custody() string { return CustodyPooled }

func (s *PooledSigner) SigningKey(ctx context.Context, _ int64, _, network string) (string, error) {
	secret, err := s.secrets.Secret(ctx, keyvault.TreasuryPurpose(network))
	if err != nil {
		return "", err
	}
	defer secret.Destroy()
	return string(secret.Bytes()), nil
}

// PerAddressSigner 从用户自己的充值地址付出
type PerAddressSigner struct {
	repo  domain.KeyRepo
	alloc *Allocator
}

func NewPerAddressSigner(repo domain.KeyRepo, alloc *Allocator) *PerAddressSigner {
	return &PerAddressSigner{repo: repo, alloc: alloc}
}

func (s *PerAddressSigner) Custody() string { return CustodyPerAddress }

func (s *PerAddressSigner) SigningKey(ctx context.Context, ownerID int64, currency, network string) (string, error) {
	key, err := s.repo.FindKey(ctx, ownerID, currency, network)
	if err != nil {
		return "", err
	}
	if key == nil {
		return "", fmt.Errorf("owner %d has no %s address on %s: %w", ownerID, currency, network, domain.ErrInvalidParams)
	}
	return s.alloc.DecryptKey(ctx, key)
}

// NewSigner 按配置选择托管模式
func NewSigner(custody string, secrets keyvault.SecretProvider, repo domain.KeyRepo, alloc *Allocator) (Signer, error) {
	switch custody {
	case "", CustodyPooled:
		return NewPooledSigner(secrets), nil
	case CustodyPerAddress:
		return NewPerAddressSigner(repo, alloc), nil
	}
	return nil, fmt.Errorf("unknown custody mode %q", custody)
}
