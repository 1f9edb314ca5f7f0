package instruction_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"MarginLedger/internal/fixedterm"
	"MarginLedger/internal/instruction"
	"MarginLedger/internal/oracle"
)

func header(key string, seq int64) instruction.Header {
	return instruction.Header{Key: key, Sequence: seq, Timestamp: 1_700_000_000}
}

func TestType_NamesRoundTrip(t *testing.T) {
	for _, typ := range instruction.Types() {
		name := typ.String()
		if name == "unknown" {
			t.Fatalf("type %d has no name", typ)
		}
		got, err := instruction.ParseType(name)
		if err != nil {
			t.Fatalf("ParseType(%q): %v", name, err)
		}
		if got != typ {
			t.Errorf("ParseType(%q) = %d, want %d", name, got, typ)
		}
	}
	if _, err := instruction.ParseType("transfer_everything"); !errors.Is(err, instruction.ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecode_EveryTypeHasAFactory(t *testing.T) {
	for _, typ := range instruction.Types() {
		_, err := instruction.Decode(typ, []byte(`{}`))
		if errors.Is(err, instruction.ErrUnknownType) {
			t.Errorf("%s: no factory", typ)
		}
	}
}

func TestDecode_CreateAccount(t *testing.T) {
	ix := &instruction.CreateAccount{
		Header:   header("acct-1", 0),
		Account:  uuid.New(),
		Owner:    uuid.New(),
		Airspace: uuid.New(),
	}
	data, err := instruction.Encode(ix)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := instruction.DecodeNamed("create_account", data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ca, ok := got.(*instruction.CreateAccount)
	if !ok {
		t.Fatalf("decoded %T", got)
	}
	if *ca != *ix {
		t.Errorf("decoded %+v, want %+v", ca, ix)
	}
	if ca.Partition() != instruction.GlobalPartition {
		t.Errorf("partition = %q", ca.Partition())
	}
}

func TestDecode_RejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		typ  instruction.Type
		body string
	}{
		{"no key", instruction.TypeVerifyHealthy, `{"timestamp":1,"account":"` + uuid.NewString() + `"}`},
		{"no timestamp", instruction.TypeVerifyHealthy, `{"idempotency_key":"k","account":"` + uuid.NewString() + `"}`},
		{"nil account", instruction.TypeVerifyHealthy, `{"idempotency_key":"k","timestamp":1}`},
		{"zero amount", instruction.TypeFundWallet, `{"idempotency_key":"k","timestamp":1,"owner":"` + uuid.NewString() + `","mint":"` + uuid.NewString() + `"}`},
		{"unknown field", instruction.TypeVerifyHealthy, `{"idempotency_key":"k","timestamp":1,"account":"` + uuid.NewString() + `","extra":1}`},
		{"bad json", instruction.TypeVerifyHealthy, `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := instruction.Decode(tc.typ, []byte(tc.body))
			if !errors.Is(err, instruction.ErrMalformed) {
				t.Errorf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestDecode_InvokeKeepsPayload(t *testing.T) {
	req := fixedterm.AdapterRequest{Op: fixedterm.OpSettleUser, Market: uuid.New()}
	ix := &instruction.AdapterInvoke{Invoke: instruction.Invoke{
		Header:  header("inv-1", 3),
		Account: uuid.New(),
		Caller:  uuid.New(),
		Adapter: uuid.New(),
		Payload: req.Encode(),
	}}
	ix.Source = "desk-7"

	data, err := instruction.Encode(ix)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := instruction.Decode(instruction.TypeAdapterInvoke, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	inv := got.(*instruction.AdapterInvoke)
	if inv.Partition() != "desk-7" || inv.SourceSequence() != 3 {
		t.Errorf("partition=%q seq=%d", inv.Partition(), inv.SourceSequence())
	}

	var back fixedterm.AdapterRequest
	if err := json.Unmarshal(inv.Payload, &back); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if back.Op != req.Op || back.Market != req.Market {
		t.Errorf("payload = %+v, want %+v", back, req)
	}
}

func TestPriceUpdate_Defaults(t *testing.T) {
	feed := uuid.New()
	ix := &instruction.PriceUpdate{Feed: oracle.Feed{ID: feed, Price: 100, PublishTime: 1_700_000_050}}

	if err := instruction.Validate(ix); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if ix.Partition() != instruction.PricePartitionPrefix+feed.String() {
		t.Errorf("partition = %q", ix.Partition())
	}
	if ix.SourceSequence() != 1_700_000_050 || ix.Time() != 1_700_000_050 {
		t.Errorf("seq=%d time=%d", ix.SourceSequence(), ix.Time())
	}
	if ix.IdempotencyKey() != feed.String()+":price:1700000050" {
		t.Errorf("key = %q", ix.IdempotencyKey())
	}
}

func TestConsumeEvents_FlattensRequest(t *testing.T) {
	market := uuid.New()
	data := []byte(`{"idempotency_key":"c1","timestamp":5,"market":"` + market.String() +
		`","crank":"` + uuid.NewString() + `","authorization":"` + uuid.NewString() + `","num_events":2}`)

	got, err := instruction.Decode(instruction.TypeConsumeEvents, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ce := got.(*instruction.ConsumeEvents)
	if ce.Market != market || ce.NumEvents != 2 {
		t.Errorf("decoded %+v", ce.ConsumeRequest)
	}
}
