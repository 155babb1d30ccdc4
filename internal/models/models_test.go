package models

import "testing"

func TestSelectionExchanges(t *testing.T) {
	tests := []struct {
		underlying string
		options    Exchange
		index      Exchange
	}{
		{"NIFTY", NFO, NSEIndex},
		{"BANKNIFTY", NFO, NSEIndex},
		{"FINNIFTY", NFO, NSEIndex},
		{"SENSEX", BFO, BSEIndex},
	}

	for _, tt := range tests {
		sel := Selection{Underlying: tt.underlying}
		if got := sel.OptionsExchange(); got != tt.options {
			t.Errorf("%s options exchange = %v, want %v", tt.underlying, got, tt.options)
		}
		if got := sel.IndexExchange(); got != tt.index {
			t.Errorf("%s index exchange = %v, want %v", tt.underlying, got, tt.index)
		}
	}
}

func TestSelectionKey(t *testing.T) {
	sel := Selection{Underlying: "NIFTY", Expiry: "28-AUG-25"}
	if got := sel.Key(); got != "NIFTY_28-AUG-25" {
		t.Errorf("Key() = %q", got)
	}
}

func TestTickIsIndex(t *testing.T) {
	if !(Tick{Symbol: "NIFTY"}).IsIndex() {
		t.Error("tick without side should be an index tick")
	}
	if (Tick{Symbol: "NIFTY28AUG2524500CE", Side: SideCall}).IsIndex() {
		t.Error("option tick misclassified as index")
	}
}

func TestOptionSideValid(t *testing.T) {
	if !SideCall.Valid() || !SidePut.Valid() {
		t.Error("known sides reported invalid")
	}
	if OptionSide("XX").Valid() || OptionSide("").Valid() {
		t.Error("unknown side reported valid")
	}
}
