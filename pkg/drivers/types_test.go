package drivers

import (
	"context"
	"testing"

	"github.com/openfroyo/idler/pkg/engine"
)

func TestSelectorTypes(t *testing.T) {
	tests := []struct {
		selector Selector
		want     []ResourceType
		wantErr  bool
	}{
		{selector: "all", want: AllResourceTypes()},
		{selector: "", want: AllResourceTypes()},
		{selector: "db", want: []ResourceType{DBCluster}},
		{selector: "CACHE_CLUSTER", want: []ResourceType{CacheCluster}},
		{selector: "nat", want: []ResourceType{NetworkGateway}},
		{selector: "queue", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.selector), func(t *testing.T) {
			got, err := tt.selector.Types()
			if tt.wantErr {
				if !engine.IsConfiguration(err) {
					t.Fatalf("expected configuration error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestRefAttrList(t *testing.T) {
	ref := Ref{Attributes: map[string]string{AttrRouteTableIDs: " rtb-b, rtb-a ,,"}}
	got := ref.AttrList(AttrRouteTableIDs)
	if len(got) != 2 || got[0] != "rtb-a" || got[1] != "rtb-b" {
		t.Errorf("unexpected list %v", got)
	}
	if ref.AttrList("missing") != nil {
		t.Error("expected nil for missing attribute")
	}
}

type stubDriver struct{ t ResourceType }

func (s stubDriver) Type() ResourceType { return s.t }
func (s stubDriver) Describe(context.Context, Ref) (*Description, error) {
	return &Description{Status: StatusAvailable}, nil
}
func (s stubDriver) Stop(context.Context, Ref) error { return nil }
func (s stubDriver) Start(context.Context, Ref, StartOptions) (*Endpoint, error) {
	return &Endpoint{}, nil
}
func (s stubDriver) Scale(context.Context, Ref, int) error { return ErrUnsupported(s.t, "scale") }

func TestRegistry(t *testing.T) {
	r := NewRegistry(stubDriver{t: NetworkGateway}, stubDriver{t: DBCluster})

	if _, err := r.Get(DBCluster); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := r.Get(CacheCluster); !engine.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	types := r.Types()
	if len(types) != 2 || types[0] != DBCluster || types[1] != NetworkGateway {
		t.Errorf("unexpected types %v", types)
	}
}
