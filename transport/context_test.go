package transport

import (
	"testing"

	"github.com/rocketbitz/ucxparcel/internal/uct/simuct"
)

func TestNewContextRejectsZeroCopy(t *testing.T) {
	net := simuct.NewNetwork(nil)
	drv := simuct.NewDriver(net, []byte("a"), simuct.DefaultCaps())
	_, err := NewContext(ContextConfig{Driver: drv, Domain: "a", ZeroCopy: true})
	if err == nil {
		t.Fatal("expected error when ZeroCopy is requested")
	}
}

func TestNewContextRequiresDriverAndDomain(t *testing.T) {
	net := simuct.NewNetwork(nil)
	drv := simuct.NewDriver(net, []byte("a"), simuct.DefaultCaps())
	if _, err := NewContext(ContextConfig{Domain: "a"}); err == nil {
		t.Fatal("expected error for missing Driver")
	}
	if _, err := NewContext(ContextConfig{Driver: drv}); err == nil {
		t.Fatal("expected error for missing Domain")
	}
}

func TestContextSingleIfaceClosesOnce(t *testing.T) {
	net := simuct.NewNetwork(nil)
	caps := simuct.DefaultCaps()
	caps.Single = true
	drv := simuct.NewDriver(net, []byte("a"), caps)
	ctx, err := NewContext(ContextConfig{Driver: drv, Domain: "a"})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if !ctx.singleIface {
		t.Fatal("expected singleIface to be detected")
	}
	if err := ctx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestContextRMAConnectsToEP(t *testing.T) {
	net := simuct.NewNetwork(nil)

	ifaceDrv := simuct.NewDriver(net, []byte("iface"), simuct.DefaultCaps())
	ifaceCtx, err := NewContext(ContextConfig{Driver: ifaceDrv, Domain: "iface"})
	if err != nil {
		t.Fatalf("NewContext(iface mode): %v", err)
	}
	defer ifaceCtx.Close()
	if ifaceCtx.RMAConnectsToEP() {
		t.Fatal("expected iface-to-iface mode, not EP-to-EP")
	}

	epDrv := simuct.NewDriver(net, []byte("ep"), simuct.EPToEPCaps())
	epCtx, err := NewContext(ContextConfig{Driver: epDrv, Domain: "ep"})
	if err != nil {
		t.Fatalf("NewContext(ep mode): %v", err)
	}
	defer epCtx.Close()
	if !epCtx.RMAConnectsToEP() {
		t.Fatal("expected EP-to-EP mode")
	}
}
