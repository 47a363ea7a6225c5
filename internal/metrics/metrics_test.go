package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// gatherCounter はレジストリから指定メトリクスの指定ラベル値のカウンタを取り出す。
// 見つからない場合は-1を返す。
func gatherCounter(t *testing.T, reg *prometheus.Registry, name, labelName, labelValue string) float64 {
	t.Helper()

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelName == "" {
				return m.GetCounter().GetValue()
			}
			for _, lp := range m.GetLabel() {
				if lp.GetName() == labelName && lp.GetValue() == labelValue {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return -1
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordLogin_IncrementsCounterByResult はログインカウンタが結果ラベル付きで増加することを検証する。
func TestRecordLogin_IncrementsCounterByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLogin("success")
	c.RecordLogin("success")
	c.RecordLogin("fail")

	if val := gatherCounter(t, reg, "authgate_logins_total", "result", "success"); val != 2 {
		t.Errorf("logins_total{result=success} = %v, want 2", val)
	}
	if val := gatherCounter(t, reg, "authgate_logins_total", "result", "fail"); val != 1 {
		t.Errorf("logins_total{result=fail} = %v, want 1", val)
	}
}

// TestRecordRefresh_IncrementsCounterByResult はリフレッシュカウンタが結果ラベル付きで増加することを検証する。
func TestRecordRefresh_IncrementsCounterByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRefresh("success")
	c.RecordRefresh("fail")
	c.RecordRefresh("fail")

	if val := gatherCounter(t, reg, "authgate_refresh_total", "result", "success"); val != 1 {
		t.Errorf("refresh_total{result=success} = %v, want 1", val)
	}
	if val := gatherCounter(t, reg, "authgate_refresh_total", "result", "fail"); val != 2 {
		t.Errorf("refresh_total{result=fail} = %v, want 2", val)
	}
}

// TestRecordAccountCreated_IncrementsCounter はアカウント作成カウンタが増加することを検証する。
func TestRecordAccountCreated_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAccountCreated()
	c.RecordAccountCreated()

	if val := gatherCounter(t, reg, "authgate_accounts_created_total", "", ""); val != 2 {
		t.Errorf("accounts_created_total = %v, want 2", val)
	}
}

// TestRecordAccountRollback_IncrementsCounterByStage は補償削除カウンタがステージラベル付きで増加することを検証する。
func TestRecordAccountRollback_IncrementsCounterByStage(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAccountRollback("sign-in")
	c.RecordAccountRollback("persist")
	c.RecordAccountRollback("persist")

	if val := gatherCounter(t, reg, "authgate_account_rollbacks_total", "stage", "sign-in"); val != 1 {
		t.Errorf("account_rollbacks_total{stage=sign-in} = %v, want 1", val)
	}
	if val := gatherCounter(t, reg, "authgate_account_rollbacks_total", "stage", "persist"); val != 2 {
		t.Errorf("account_rollbacks_total{stage=persist} = %v, want 2", val)
	}
}

// TestRecordHTTPStatus_IncrementsCounterWithLabel はHTTPステータスカウンタがラベル付きで増加することを検証する。
func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(302)

	if val := gatherCounter(t, reg, "authgate_http_status_total", "status_code", "200"); val != 2 {
		t.Errorf("http_status_total{200} = %v, want 2", val)
	}
	if val := gatherCounter(t, reg, "authgate_http_status_total", "status_code", "302"); val != 1 {
		t.Errorf("http_status_total{302} = %v, want 1", val)
	}
}

// TestRecordRequestLatency_ObservesHistogram はレイテンシヒストグラムに観測が記録されることを検証する。
func TestRecordRequestLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRequestLatency(25 * time.Millisecond)
	c.RecordRequestLatency(150 * time.Millisecond)

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range metrics {
		if mf.GetName() == "authgate_request_latency_seconds" {
			found = true
			histogram := mf.GetMetric()[0].GetHistogram()
			if histogram.GetSampleCount() != 2 {
				t.Errorf("sample count = %d, want 2", histogram.GetSampleCount())
			}
		}
	}
	if !found {
		t.Fatal("authgate_request_latency_seconds metric not found")
	}
}
