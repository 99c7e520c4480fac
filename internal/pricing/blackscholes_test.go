package pricing

import (
	"math"
	"testing"

	"dneutral/internal/model"
)

func TestD1_ATM(t *testing.T) {
	// S=K=10000, sigma=0.5, T=7/365, r=0
	// d1 = (0 + 0.5*0.25*T) / (0.5*sqrt(T))
	T := 7.0 / 365.0
	d1 := D1(10000, 10000, T, 0, 0.5)
	want := (0.5 * 0.25 * T) / (0.5 * math.Sqrt(T))
	if math.Abs(d1-want) > 1e-12 {
		t.Errorf("d1 = %v, want %v", d1, want)
	}
}

func TestD1_Expired(t *testing.T) {
	if d1 := D1(11000, 10000, 0, 0, 0.5); !math.IsInf(d1, 1) {
		t.Errorf("expired ITM call: d1 = %v, want +Inf", d1)
	}
	if d1 := D1(9000, 10000, -1, 0, 0.5); !math.IsInf(d1, -1) {
		t.Errorf("expired OTM call: d1 = %v, want -Inf", d1)
	}
}

func TestDelta_CallPutParity(t *testing.T) {
	d1 := D1(10000, 10000, 7.0/365.0, 0, 0.5)
	call := Delta(model.Call, d1)
	put := Delta(model.Put, d1)

	if call <= 0.5 || call >= 0.6 {
		t.Errorf("ATM call delta = %v, want slightly above 0.5", call)
	}
	if math.Abs((call-put)-1.0) > 1e-12 {
		t.Errorf("call-put delta parity violated: call=%v put=%v", call, put)
	}
}

func TestDelta_DeepITMCall(t *testing.T) {
	d1 := D1(20000, 10000, 7.0/365.0, 0, 0.5)
	if delta := Delta(model.Call, d1); delta < 0.99 {
		t.Errorf("deep ITM call delta = %v, want ~1", delta)
	}
}
