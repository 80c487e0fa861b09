package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"

	"oddsmint/internal/common"
	"oddsmint/internal/ids"
	"oddsmint/internal/money"
	oddsmintNet "oddsmint/internal/net"
)

func main() {
	serverAddr := flag.String("server", "127.0.0.1:9001", "Address of the exchange server")
	user := flag.String("user", "", "Wallet address, 0x-prefixed 20-byte hex (compulsory)")
	action := flag.String("action", "place", "Action to perform: ['place', 'cancel']")

	market := flag.String("market", "", "Market id (UUID, compulsory)")
	outcome := flag.String("outcome", "", "Outcome id (UUID, compulsory)")
	shareStr := flag.String("share", "yes", "Share type: 'yes' or 'no'")
	sideStr := flag.String("side", "buy", "Order side: 'buy' or 'sell'")
	typeStr := flag.String("type", "limit", "Order type: 'limit' or 'market'")
	price := flag.Float64("price", 0.50, "Limit price, a probability in (0,1); ignored for market orders")
	amount := flag.Float64("amount", 10, "Order amount")

	orderId := flag.String("order-id", "", "Order id (UUID) to cancel")

	flag.Parse()

	if *user == "" || *market == "" || *outcome == "" {
		fmt.Println("Error: -user, -market and -outcome are compulsory.")
		flag.Usage()
		os.Exit(1)
	}

	userId, err := ids.ParseUserId(*user)
	if err != nil {
		log.Fatalf("invalid -user: %v", err)
	}
	marketId, err := parseMarketId(*market)
	if err != nil {
		log.Fatalf("invalid -market: %v", err)
	}
	outcomeId, err := parseOutcomeId(*outcome)
	if err != nil {
		log.Fatalf("invalid -outcome: %v", err)
	}

	conn, err := net.Dial("tcp", *serverAddr)
	if err != nil {
		log.Fatalf("failed to connect to server at %s: %v", *serverAddr, err)
	}
	defer conn.Close()
	fmt.Printf("connected to %s as %s\n", *serverAddr, userId.String())

	go readReports(conn)

	share := common.Yes
	if strings.ToLower(*shareStr) == "no" {
		share = common.No
	}
	side := common.Buy
	if strings.ToLower(*sideStr) == "sell" {
		side = common.Sell
	}
	orderType := common.LimitOrder
	if strings.ToLower(*typeStr) == "market" {
		orderType = common.MarketOrder
	}

	switch strings.ToLower(*action) {
	case "place":
		var p money.Price
		if orderType == common.LimitOrder {
			p = money.PriceFromFloat(*price)
		}
		if err := sendNewOrder(conn, marketId, outcomeId, share, side, orderType, p, money.AmountFromFloat(*amount), userId); err != nil {
			log.Printf("failed to place order: %v", err)
		} else {
			fmt.Printf("-> sent %s %s order: %.4f @ %.4f\n", strings.ToUpper(*sideStr), strings.ToUpper(*shareStr), *amount, *price)
		}

	case "cancel":
		if *orderId == "" {
			log.Fatal("Error: -order-id is required for cancellation")
		}
		oid, err := parseOrderId(*orderId)
		if err != nil {
			log.Fatalf("invalid -order-id: %v", err)
		}
		if err := sendCancelOrder(conn, marketId, outcomeId, share, oid, userId); err != nil {
			log.Printf("failed to send cancel request: %v", err)
		} else {
			fmt.Printf("-> sent cancel request for order %s\n", *orderId)
		}

	default:
		log.Fatalf("unknown action: %s", *action)
	}

	fmt.Println("\nlistening for reports... (press ctrl+c to exit)")
	select {}
}

func parseMarketId(s string) (ids.MarketId, error) {
	u, err := parseUUID(s)
	return ids.MarketId(u), err
}

func parseOutcomeId(s string) (ids.OutcomeId, error) {
	u, err := parseUUID(s)
	return ids.OutcomeId(u), err
}

func parseOrderId(s string) (ids.OrderId, error) {
	u, err := parseUUID(s)
	return ids.OrderId(u), err
}

func parseUUID(s string) ([16]byte, error) {
	var out [16]byte
	clean := strings.ReplaceAll(s, "-", "")
	if len(clean) != 32 {
		return out, fmt.Errorf("expected a 32-hex-digit UUID, got %q", s)
	}
	for i := 0; i < 16; i++ {
		var b byte
		if _, err := fmt.Sscanf(clean[i*2:i*2+2], "%02x", &b); err != nil {
			return out, err
		}
		out[i] = b
	}
	return out, nil
}

func sendNewOrder(conn net.Conn, market ids.MarketId, outcome ids.OutcomeId, share common.ShareType, side common.Side, orderType common.OrderType, price money.Price, amount money.Amount, user ids.UserId) error {
	buf := make([]byte, oddsmintNet.NewOrderMessageLen)

	binary.BigEndian.PutUint16(buf[0:2], uint16(oddsmintNet.NewOrder))
	off := 2
	off += copyId(buf[off:], market[:])
	off += copyId(buf[off:], outcome[:])
	buf[off] = byte(share)
	off++
	buf[off] = byte(side)
	off++
	buf[off] = byte(orderType)
	off++
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(price))
	off += 8
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(amount))
	off += 8
	copy(buf[off:], user[:])

	_, err := conn.Write(buf)
	return err
}

func sendCancelOrder(conn net.Conn, market ids.MarketId, outcome ids.OutcomeId, share common.ShareType, orderId ids.OrderId, user ids.UserId) error {
	buf := make([]byte, oddsmintNet.CancelOrderMessageLen)

	binary.BigEndian.PutUint16(buf[0:2], uint16(oddsmintNet.CancelOrder))
	off := 2
	off += copyId(buf[off:], market[:])
	off += copyId(buf[off:], outcome[:])
	buf[off] = byte(share)
	off++
	off += copyId(buf[off:], orderId[:])
	copy(buf[off:], user[:])

	_, err := conn.Write(buf)
	return err
}

func copyId(dst, src []byte) int {
	return copy(dst, src)
}

func readReports(conn net.Conn) {
	const fixedHeaderLen = 1 + 16 + 1 + 8 + 1 + 4
	const tradeLen = 1 + 8 + 8 + 8

	for {
		headerBuf := make([]byte, fixedHeaderLen)
		if _, err := io.ReadFull(conn, headerBuf); err != nil {
			if err != io.EOF {
				log.Printf("connection lost: %v", err)
			}
			os.Exit(0)
		}

		msgType := oddsmintNet.ReportMessageType(headerBuf[0])
		status := common.OrderStatus(headerBuf[17])
		filled := money.Amount(int64(binary.BigEndian.Uint64(headerBuf[18:26])))
		tradeCount := int(headerBuf[26])
		errLen := binary.BigEndian.Uint32(headerBuf[27:31])

		body := make([]byte, tradeCount*tradeLen+int(errLen))
		if len(body) > 0 {
			if _, err := io.ReadFull(conn, body); err != nil {
				log.Printf("error reading report body: %v", err)
				return
			}
		}

		if msgType == oddsmintNet.ErrorReport {
			fmt.Printf("\n[SERVER ERROR] %s\n", string(body[tradeCount*tradeLen:]))
			continue
		}

		fmt.Printf("\n[EXECUTION] status=%s filled=%s trades=%d\n", status, filled, tradeCount)
		for i := 0; i < tradeCount; i++ {
			t := body[i*tradeLen : (i+1)*tradeLen]
			matchType := common.MatchType(t[0])
			price := money.Price(int64(binary.BigEndian.Uint64(t[1:9])))
			amount := money.Amount(int64(binary.BigEndian.Uint64(t[9:17])))
			fee := money.Amount(int64(binary.BigEndian.Uint64(t[17:25])))
			fmt.Printf("  [%s] price=%s amount=%s fee=%s\n", matchType, price, amount, fee)
		}
	}
}
