package xerr

import (
	"errors"
	"fmt"
)

// 通用错误码
const (
	OK                 = 200
	ServerCommonError  = 500
	RequestParamsError = 400
	DbError            = 501
	RecordNotFound     = 404
)

// 托管业务错误码
const (
	AccessDenied        = 4031
	BadPassphrase       = 4032
	InvalidAddress      = 4001
	InsufficientBalance = 4002
	FeeExceedsAmount    = 4003
	OrderExpired        = 4101
	OrderNotFound       = 4102
	DuplicateTx         = 4091
	DuplicateRecord     = 4092
	ProviderTimeout     = 5041
	ProviderUnavailable = 5031
	ConsolidationBusy   = 4231
)

type CodeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

// Is 按错误码比较，方便 errors.Is 命中带不同 Msg 的同类错误
func (e *CodeError) Is(target error) bool {
	t, ok := target.(*CodeError)
	return ok && t.Code == e.Code
}

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Code 取出错误链上的错误码，没有则返回 ServerCommonError
func Code(err error) int {
	if err == nil {
		return OK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ServerCommonError
}

// Retryable 只有下游超时/不可用才值得重试
func Retryable(err error) bool {
	switch Code(err) {
	case ProviderTimeout, ProviderUnavailable:
		return true
	}
	return false
}

func MapErrMsg(code int) string {
	switch code {
	case ServerCommonError:
		return "服务器开小差了"
	case RequestParamsError:
		return "参数错误"
	case DbError:
		return "数据库繁忙"
	case RecordNotFound:
		return "记录不存在"
	case AccessDenied:
		return "无权访问该密钥"
	case BadPassphrase:
		return "口令错误"
	case InvalidAddress:
		return "地址格式错误"
	case InsufficientBalance:
		return "可用余额不足"
	case FeeExceedsAmount:
		return "手续费不低于提现金额"
	case OrderExpired:
		return "订单已过期"
	case OrderNotFound:
		return "订单不存在"
	case DuplicateTx:
		return "交易已入账"
	case DuplicateRecord:
		return "记录已存在"
	case ProviderTimeout:
		return "链服务超时"
	case ProviderUnavailable:
		return "链服务不可用"
	case ConsolidationBusy:
		return "归集任务正在执行"
	default:
		return "未知错误"
	}
}
