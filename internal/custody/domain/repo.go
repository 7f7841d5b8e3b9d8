package domain

import "context"

type Transactor interface {
	// Transaction fn 里必须使用 txCtx
	Transaction(ctx context.Context, fn func(txCtx context.Context) error) error
}

// Repository 托管核心的聚合仓储
type Repository interface {
	Transactor
	KeyRepo
	AccountRepo
	OrderRepo
	DepositRepo
	WithdrawalRepo
	ConsolidationRepo
	AuditRepo
}

// Models AutoMigrate 用
func Models() []interface{} {
	return []interface{}{
		&DerivedKey{},
		&DerivationCounter{},
		&Account{},
		&PendingOrder{},
		&DepositRecord{},
		&WithdrawalRecord{},
		&RevenueEntry{},
		&ConsolidationRecord{},
		&KeyAccessLog{},
	}
}
