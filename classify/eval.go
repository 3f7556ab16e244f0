// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package classify

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Args is the per-message context an expression is evaluated against.
type Args struct {
	Iface string
	Src   net.IP
	Dst   net.IP
	Len   int

	Mac     net.HardwareAddr
	Hlen    uint8
	HType   uint8
	CiAddr  net.IP
	GiAddr  net.IP
	YiAddr  net.IP
	SiAddr  net.IP
	MsgType uint8
	TransID uint32

	// Options holds raw DHCPv4 option bytes keyed by option code,
	// including option 82 (relay agent information) if present.
	Options map[uint8][]byte

	// Deps is the set of already-evaluated class names that matched for
	// this message. member() reads from this set.
	Deps map[string]bool
}

const relayAgentInfoOption = 82

// Eval evaluates expr against args, implementing the full semantics of the
// classification language.
func Eval(expr *Expr, args Args) (Value, error) {
	switch expr.Kind {
	case ExprString:
		return strVal(expr.Str), nil
	case ExprIP:
		return strVal(expr.IP.String()), nil
	case ExprInt:
		return intVal(expr.Int), nil
	case ExprHex:
		return bytesVal(expr.Hex), nil
	case ExprBool:
		return boolVal(expr.Bool), nil

	case ExprIface:
		return strVal(args.Iface), nil
	case ExprSrc:
		return strVal(args.Src.String()), nil
	case ExprDst:
		return strVal(args.Dst.String()), nil
	case ExprLen:
		return intVal(uint32(args.Len)), nil

	case ExprMac:
		return strVal(args.Mac.String()), nil
	case ExprHlen:
		return intVal(uint32(args.Hlen)), nil
	case ExprHType:
		return intVal(uint32(args.HType)), nil
	case ExprCiAddr:
		return strVal(args.CiAddr.String()), nil
	case ExprGiAddr:
		return strVal(args.GiAddr.String()), nil
	case ExprYiAddr:
		return strVal(args.YiAddr.String()), nil
	case ExprSiAddr:
		return strVal(args.SiAddr.String()), nil
	case ExprMsgType:
		return intVal(uint32(args.MsgType)), nil
	case ExprTransID:
		return intVal(args.TransID), nil

	case ExprOption:
		if b, ok := args.Options[expr.Code]; ok {
			return bytesVal(b), nil
		}
		return Empty, nil

	case ExprRelay:
		relay, ok := args.Options[relayAgentInfoOption]
		if !ok {
			return Empty, nil
		}
		if b, ok := parseSubOpts(relay, expr.Code); ok {
			return bytesVal(b), nil
		}
		return Empty, nil

	case ExprMember:
		return boolVal(args.Deps[expr.Str]), nil

	case ExprSubOpt:
		parent, err := Eval(expr.A, args)
		if err != nil {
			return Empty, err
		}
		raw, err := parent.AsBytes()
		if err != nil {
			return Empty, err
		}
		if b, ok := parseSubOpts(raw, expr.Code); ok {
			return bytesVal(b), nil
		}
		return Empty, nil

	case ExprNot:
		v, err := Eval(expr.A, args)
		if err != nil {
			return Empty, err
		}
		b, err := v.AsBool()
		if err != nil {
			return Empty, err
		}
		return boolVal(!b), nil

	case ExprExists:
		v, err := Eval(expr.A, args)
		if err != nil {
			return Empty, err
		}
		return boolVal(!v.IsEmpty()), nil

	case ExprToHex:
		v, err := Eval(expr.A, args)
		if err != nil {
			return Empty, err
		}
		b, err := v.AsBytes()
		if err != nil {
			return Empty, err
		}
		return bytesVal(b), nil

	case ExprToText:
		v, err := Eval(expr.A, args)
		if err != nil {
			return Empty, err
		}
		switch v.Kind {
		case KindBytes:
			return strVal(string(v.Bytes)), nil
		case KindString:
			return v, nil
		case KindInt:
			return strVal(strconv.FormatUint(uint64(v.Int), 10)), nil
		default:
			return Empty, &EvalError{fmt.Sprintf("to_text: unsupported value %v", v)}
		}

	case ExprAnd:
		a, err := Eval(expr.A, args)
		if err != nil {
			return Empty, err
		}
		ab, err := a.AsBool()
		if err != nil {
			return Empty, err
		}
		b, err := Eval(expr.B, args)
		if err != nil {
			return Empty, err
		}
		bb, err := b.AsBool()
		if err != nil {
			return Empty, err
		}
		return boolVal(ab && bb), nil

	case ExprOr:
		a, err := Eval(expr.A, args)
		if err != nil {
			return Empty, err
		}
		ab, err := a.AsBool()
		if err != nil {
			return Empty, err
		}
		b, err := Eval(expr.B, args)
		if err != nil {
			return Empty, err
		}
		bb, err := b.AsBool()
		if err != nil {
			return Empty, err
		}
		return boolVal(ab || bb), nil

	case ExprEqual, ExprNEqual:
		a, err := Eval(expr.A, args)
		if err != nil {
			return Empty, err
		}
		b, err := Eval(expr.B, args)
		if err != nil {
			return Empty, err
		}
		eq := a.Equal(b)
		if expr.Kind == ExprNEqual {
			eq = !eq
		}
		return boolVal(eq), nil

	case ExprSubstring:
		v, err := Eval(expr.A, args)
		if err != nil {
			return Empty, err
		}
		s, err := toStringlike(v)
		if err != nil {
			return Empty, err
		}
		return strVal(substring(s, expr.Start, expr.Length)), nil

	case ExprConcat:
		a, err := Eval(expr.A, args)
		if err != nil {
			return Empty, err
		}
		b, err := Eval(expr.B, args)
		if err != nil {
			return Empty, err
		}
		return concatVals(a, b)

	case ExprIfElse:
		cond, err := Eval(expr.A, args)
		if err != nil {
			return Empty, err
		}
		cb, err := cond.AsBool()
		if err != nil {
			return Empty, err
		}
		if cb {
			return Eval(expr.B, args)
		}
		return Eval(expr.C, args)

	case ExprHexstring:
		v, err := Eval(expr.A, args)
		if err != nil {
			return Empty, err
		}
		b, err := v.AsBytes()
		if err != nil {
			return Empty, err
		}
		parts := make([]string, len(b))
		for i, by := range b {
			parts[i] = fmt.Sprintf("%02x", by)
		}
		return strVal(strings.Join(parts, expr.Str)), nil

	case ExprSplit:
		sv, err := Eval(expr.A, args)
		if err != nil {
			return Empty, err
		}
		s, err := toStringlike(sv)
		if err != nil {
			return Empty, err
		}
		dv, err := Eval(expr.B, args)
		if err != nil {
			return Empty, err
		}
		delim, err := toStringlike(dv)
		if err != nil {
			return Empty, err
		}
		fields := strings.Split(s, delim)
		if expr.N < 0 || expr.N >= len(fields) {
			return Empty, nil
		}
		return strVal(fields[expr.N]), nil
	}
	return Empty, &EvalError{"unknown expression node"}
}

func toStringlike(v Value) (string, error) {
	switch v.Kind {
	case KindString:
		return v.Str, nil
	case KindBytes:
		return string(v.Bytes), nil
	default:
		return "", &EvalError{fmt.Sprintf("expected string-like value, got %v", v)}
	}
}

func concatVals(a, b Value) (Value, error) {
	switch a.Kind {
	case KindString:
		switch b.Kind {
		case KindString:
			return strVal(a.Str + b.Str), nil
		case KindBytes:
			return bytesVal(append([]byte(a.Str), b.Bytes...)), nil
		}
	case KindBytes:
		switch b.Kind {
		case KindBytes:
			out := append([]byte{}, a.Bytes...)
			return bytesVal(append(out, b.Bytes...)), nil
		case KindString:
			out := append([]byte{}, a.Bytes...)
			return bytesVal(append(out, []byte(b.Str)...)), nil
		}
	}
	return Empty, &EvalError{fmt.Sprintf("concat: unsupported operand types %v, %v", a, b)}
}

// substring implements Python-like negative-index slicing: a negative start
// counts from the end of s, and a negative length counts backward from the
// (possibly end-relative) start rather than forward from it.
func substring(s string, start int, length *int) string {
	n := len(s)
	if start >= n {
		return ""
	}
	if start < 0 {
		if -start >= n {
			return ""
		}
		start = n + start
	}

	var sliceStart, sliceEnd int
	switch {
	case length == nil:
		sliceStart, sliceEnd = start, n
	case *length >= 0:
		sliceStart, sliceEnd = start, start+*length
	default:
		sliceEnd = start
		sliceStart = start + *length
		if sliceStart < 0 {
			sliceStart = 0
		}
	}
	if sliceEnd > n {
		sliceEnd = n
	}
	if sliceEnd < sliceStart {
		return ""
	}
	return s[sliceStart:sliceEnd]
}

// parseSubOpts scans a DHCP sub-option TLV buffer (code, len, data triples)
// for the first entry matching code.
func parseSubOpts(buf []byte, code uint8) ([]byte, bool) {
	for i := 0; i+2 <= len(buf); {
		c := buf[i]
		l := int(buf[i+1])
		if i+2+l > len(buf) {
			return nil, false
		}
		if c == code {
			return buf[i+2 : i+2+l], true
		}
		i += 2 + l
	}
	return nil, false
}
