//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rocketbitz/ucxparcel/client"
	"github.com/rocketbitz/ucxparcel/internal/uct/simuct"
)

func TestClientSendReceiveEndToEnd(t *testing.T) {
	net := simuct.NewNetwork(nil)

	aliceDriver := simuct.NewDriver(net, []byte("alice"), simuct.DefaultCaps())
	alice, err := client.Dial(client.Config{Driver: aliceDriver, Domain: "alice"})
	require.NoError(t, err, "dial alice")
	t.Cleanup(func() { _ = alice.Close() })

	bobDriver := simuct.NewDriver(net, []byte("bob"), simuct.DefaultCaps())
	bob, err := client.Dial(client.Config{Driver: bobDriver, Domain: "bob"})
	require.NoError(t, err, "dial bob")
	t.Cleanup(func() { _ = bob.Close() })

	received := make(chan client.ReceivedParcel, 1)
	bob.RegisterReceiveHandler(func(p client.ReceivedParcel) { received <- p })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	toBob, err := alice.Connect(ctx, bob.Locality())
	require.NoError(t, err, "connect")

	require.NoError(t, toBob.Send(ctx, []byte("hello ucxparcel")), "send")

	select {
	case parcel := <-received:
		require.Equal(t, "hello ucxparcel", string(parcel.Data))
		require.Equal(t, alice.Locality().Key(), parcel.Source.Key())
	case <-ctx.Done():
		t.Fatal("timed out waiting for receipt")
	}

	toAlice, err := bob.Connect(ctx, alice.Locality())
	require.NoError(t, err, "reverse connect")

	ackReceived := make(chan client.ReceivedParcel, 1)
	alice.RegisterReceiveHandler(func(p client.ReceivedParcel) { ackReceived <- p })
	require.NoError(t, toAlice.Send(ctx, []byte("ack")), "send ack")

	select {
	case parcel := <-ackReceived:
		require.Equal(t, "ack", string(parcel.Data))
	case <-ctx.Done():
		t.Fatal("timed out waiting for ack")
	}
}
