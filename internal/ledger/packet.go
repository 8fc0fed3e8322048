package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// typePayment is the interledger payment packet type.
const typePayment = 1

var ErrMalformedPacket = errors.New("malformed payment packet")

// PaymentPacket describes the final destination and amount of a payment.
// It travels as the payload of the outgoing transfer.
type PaymentPacket struct {
	Amount  uint64
	Account string
	Data    []byte
}

// MarshalPaymentPacket encodes p in OER: a type byte followed by a
// length-prefixed body holding the amount, account and data.
func MarshalPaymentPacket(p PaymentPacket) []byte {
	body := make([]byte, 8, 8+len(p.Account)+len(p.Data)+8)
	binary.BigEndian.PutUint64(body, p.Amount)
	body = appendVarOctets(body, []byte(p.Account))
	body = appendVarOctets(body, p.Data)

	out := []byte{typePayment}
	return appendVarOctets(out, body)
}

// UnmarshalPaymentPacket decodes a packet produced by MarshalPaymentPacket.
func UnmarshalPaymentPacket(b []byte) (PaymentPacket, error) {
	if len(b) == 0 || b[0] != typePayment {
		return PaymentPacket{}, fmt.Errorf("%w: unexpected type", ErrMalformedPacket)
	}
	body, rest, err := readVarOctets(b[1:])
	if err != nil {
		return PaymentPacket{}, err
	}
	if len(rest) != 0 {
		return PaymentPacket{}, fmt.Errorf("%w: trailing bytes", ErrMalformedPacket)
	}
	if len(body) < 8 {
		return PaymentPacket{}, fmt.Errorf("%w: short amount", ErrMalformedPacket)
	}
	p := PaymentPacket{Amount: binary.BigEndian.Uint64(body[:8])}
	account, rest, err := readVarOctets(body[8:])
	if err != nil {
		return PaymentPacket{}, err
	}
	data, rest, err := readVarOctets(rest)
	if err != nil {
		return PaymentPacket{}, err
	}
	if len(rest) != 0 {
		return PaymentPacket{}, fmt.Errorf("%w: trailing body bytes", ErrMalformedPacket)
	}
	p.Account = string(account)
	if len(data) > 0 {
		p.Data = data
	}
	return p, nil
}

func appendVarOctets(dst, v []byte) []byte {
	n := len(v)
	if n < 0x80 {
		dst = append(dst, byte(n))
	} else {
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(n))
		i := 0
		for i < 7 && lenBuf[i] == 0 {
			i++
		}
		dst = append(dst, 0x80|byte(8-i))
		dst = append(dst, lenBuf[i:]...)
	}
	return append(dst, v...)
}

func readVarOctets(b []byte) (value, rest []byte, err error) {
	if len(b) == 0 {
		return nil, nil, fmt.Errorf("%w: missing length", ErrMalformedPacket)
	}
	n := uint64(b[0])
	b = b[1:]
	if n&0x80 != 0 {
		width := int(n &^ 0x80)
		if width == 0 || width > 8 || len(b) < width {
			return nil, nil, fmt.Errorf("%w: bad length prefix", ErrMalformedPacket)
		}
		n = 0
		for _, c := range b[:width] {
			n = n<<8 | uint64(c)
		}
		b = b[width:]
	}
	if uint64(len(b)) < n {
		return nil, nil, fmt.Errorf("%w: truncated value", ErrMalformedPacket)
	}
	return b[:n], b[n:], nil
}
