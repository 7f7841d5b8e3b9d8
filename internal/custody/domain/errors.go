package domain

import "refwallet.com/pkg/xerr"

// 用 errors.Is 判断，xerr.CodeError 按错误码比较
var (
	ErrAccessDenied        = xerr.NewErrCode(xerr.AccessDenied)
	ErrBadPassphrase       = xerr.NewErrCode(xerr.BadPassphrase)
	ErrProviderTimeout     = xerr.NewErrCode(xerr.ProviderTimeout)
	ErrProviderUnavailable = xerr.NewErrCode(xerr.ProviderUnavailable)
	ErrInsufficientBalance = xerr.NewErrCode(xerr.InsufficientBalance)
	ErrInvalidAddress      = xerr.NewErrCode(xerr.InvalidAddress)
	ErrFeeExceedsAmount    = xerr.NewErrCode(xerr.FeeExceedsAmount)
	ErrOrderExpired        = xerr.NewErrCode(xerr.OrderExpired)
	ErrOrderNotFound       = xerr.NewErrCode(xerr.OrderNotFound)
	ErrDuplicateTx         = xerr.NewErrCode(xerr.DuplicateTx)
	ErrDuplicateRecord     = xerr.NewErrCode(xerr.DuplicateRecord)
	ErrConsolidationBusy   = xerr.NewErrCode(xerr.ConsolidationBusy)
	ErrInvalidParams       = xerr.NewErrCode(xerr.RequestParamsError)
)
