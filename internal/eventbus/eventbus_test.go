package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oddsmint/internal/common"
	"oddsmint/internal/ids"
	"oddsmint/internal/money"
)

func TestSubscribeReceivesBroadcastTrade(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	trade := common.Trade{TradeId: ids.NewTradeId(), Price: money.PriceFromFloat(0.5)}
	b.EmitTrade(trade)

	select {
	case e := <-sub.Events():
		require.Equal(t, KindTrade, e.Kind)
		assert.Equal(t, trade.TradeId, e.Trade.TradeId)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	b := New()
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	order := common.Order{OrderId: ids.NewOrderId()}
	b.EmitOrderUpdate(order)

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case e := <-sub.Events():
			assert.Equal(t, KindOrderUpdate, e.Kind)
			assert.Equal(t, order.OrderId, e.OrderUpdate.OrderId)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSaturatedSubscriberDropsOldestWithoutBlocking(t *testing.T) {
	b := WithQueueSize(2)
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.EmitTrade(common.Trade{Amount: money.AmountFromFloat(float64(i))})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a saturated subscriber")
	}

	// Only the two newest events survive in a queue of size 2.
	for _, want := range []float64{8, 9} {
		e := <-sub.Events()
		assert.Equal(t, money.AmountFromFloat(want), e.Trade.Amount)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	sub.Unsubscribe()

	_, ok := <-sub.Events()
	assert.False(t, ok)
}
