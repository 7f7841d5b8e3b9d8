package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"refwallet.com/internal/custody/app"
	"refwallet.com/internal/custody/domain"
	"refwallet.com/internal/custody/service"
)

func TestReloadFee(t *testing.T) {
	var engine atomic.Pointer[service.WithdrawalEngine]
	next := &app.Config{}
	next.Withdrawal.Fee.Fixed = "0.5"

	// 还没装配完成时忽略
	reloadFee(context.Background(), &engine, next)

	e := service.NewWithdrawalEngine(nil, nil, nil, domain.DefaultFeePolicy())
	engine.Store(e)
	reloadFee(context.Background(), &engine, next)
	assert.True(t, e.FeePolicy().Fixed.Equal(decimal.RequireFromString("0.5")))

	// 非法配置不生效
	bad := &app.Config{}
	bad.Withdrawal.Fee.Rate = "x"
	reloadFee(context.Background(), &engine, bad)
	assert.True(t, e.FeePolicy().Fixed.Equal(decimal.RequireFromString("0.5")))
}

func TestMetricsServer(t *testing.T) {
	srv := metricsServer("")
	assert.Equal(t, ":2113", srv.Addr)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
