package simuct

import (
	"fmt"

	"github.com/rocketbitz/ucxparcel/internal/uct"
)

// Driver implements uct.Driver against a shared Network, playing the role
// a single process's worth of open PD/iface resources would play against
// real hardware.
type Driver struct {
	net    *Network
	caps   Caps
	device []byte

	iface *iface // set once, reused for both roles when caps.Single
}

// NewDriver returns a Driver for one simulated locality sharing net with
// its peers. device identifies this locality's simulated NIC (any unique
// byte string; tests commonly use the locality name).
func NewDriver(net *Network, device []byte, caps Caps) *Driver {
	return &Driver{net: net, caps: caps, device: device}
}

func (d *Driver) DiscoverMD(domain string) (uct.MD, error) {
	if domain == "" {
		return nil, fmt.Errorf("simuct: DiscoverMD: empty domain name")
	}
	return NewMD(domain, d.net), nil
}

func (d *Driver) OpenAMIface(md uct.MD) (uct.Iface, error) {
	if d.caps.Single {
		return d.singleIface(), nil
	}
	return newIface(d.net, RoleAM, d.device, d.caps), nil
}

func (d *Driver) OpenRMAIface(md uct.MD) (uct.Iface, error) {
	if d.caps.Single {
		return d.singleIface(), nil
	}
	return newIface(d.net, RoleRMA, d.device, d.caps), nil
}

// singleIface exercises the single-interface-serves-both-roles fallback:
// the same iface object, carrying the union of both roles' capability
// flags, is handed back for AM and RMA alike.
func (d *Driver) singleIface() *iface {
	if d.iface == nil {
		f := newIface(d.net, RoleAM, d.device, d.caps)
		f.attr.Caps = d.caps.AM | d.caps.RMA
		f.single = true
		d.iface = f
	}
	return d.iface
}

func (d *Driver) NewWorker() (uct.Worker, error) {
	return newWorker(d.net), nil
}
