package keyvault

import (
	"context"
	"fmt"
	"os"
)

// SeedSource 提供加密后的主种子
type SeedSource interface {
	Sealed(ctx context.Context) ([]byte, error)
}

// FileSource 读取 walletctl seal 写出的文件
type FileSource string

func (f FileSource) Sealed(context.Context) ([]byte, error) {
	b, err := os.ReadFile(string(f))
	if err != nil {
		return nil, fmt.Errorf("read sealed seed: %w", err)
	}
	return b, nil
}

// StaticSource 内存中的密文
type StaticSource []byte

func (s StaticSource) Sealed(context.Context) ([]byte, error) {
	return append([]byte(nil), s...), nil
}
