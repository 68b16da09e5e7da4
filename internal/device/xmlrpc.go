package device

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type rpcCall struct {
	XMLName xml.Name   `xml:"methodCall"`
	Method  string     `xml:"methodName"`
	Params  []rpcParam `xml:"params>param"`
}

type rpcParam struct {
	Value rpcValue `xml:"value"`
}

type rpcMember struct {
	Name  string   `xml:"name"`
	Value rpcValue `xml:"value"`
}

// rpcValue holds exactly one XML-RPC value. Untyped character data is a
// string per the XML-RPC rules.
type rpcValue struct {
	String  *string      `xml:"string,omitempty"`
	Int     *string      `xml:"int,omitempty"`
	I4      *string      `xml:"i4,omitempty"`
	Boolean *string      `xml:"boolean,omitempty"`
	Double  *string      `xml:"double,omitempty"`
	Struct  *[]rpcMember `xml:"struct>member,omitempty"`
	Array   *[]rpcValue  `xml:"array>data>value,omitempty"`
	Text    string       `xml:",chardata"`
}

type rpcResponse struct {
	XMLName xml.Name   `xml:"methodResponse"`
	Params  []rpcParam `xml:"params>param"`
	Fault   *rpcParam  `xml:"fault"`
}

func encodeCall(method string, params []any) ([]byte, error) {
	call := rpcCall{Method: method}
	for _, p := range params {
		v, err := toValue(p)
		if err != nil {
			return nil, err
		}
		call.Params = append(call.Params, rpcParam{Value: v})
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(call); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func toValue(p any) (rpcValue, error) {
	switch v := p.(type) {
	case string:
		return rpcValue{String: &v}, nil
	case int:
		s := strconv.Itoa(v)
		return rpcValue{Int: &s}, nil
	case bool:
		s := "0"
		if v {
			s = "1"
		}
		return rpcValue{Boolean: &s}, nil
	default:
		return rpcValue{}, fmt.Errorf("device: unsupported rpc param %T", p)
	}
}

func decodeResponse(r io.Reader) (any, error) {
	var resp rpcResponse
	if err := xml.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if resp.Fault != nil {
		f, _ := resp.Fault.Value.native()
		if m, ok := f.(map[string]any); ok {
			return nil, fmt.Errorf("%w: code=%v %v", ErrFault, m["faultCode"], m["faultString"])
		}
		return nil, fmt.Errorf("%w: %v", ErrFault, f)
	}
	if len(resp.Params) == 0 {
		return nil, nil
	}
	return resp.Params[0].Value.native()
}

func (v rpcValue) native() (any, error) {
	switch {
	case v.String != nil:
		return *v.String, nil
	case v.Int != nil:
		return strconv.ParseInt(strings.TrimSpace(*v.Int), 10, 64)
	case v.I4 != nil:
		return strconv.ParseInt(strings.TrimSpace(*v.I4), 10, 64)
	case v.Boolean != nil:
		return strings.TrimSpace(*v.Boolean) == "1", nil
	case v.Double != nil:
		return strconv.ParseFloat(strings.TrimSpace(*v.Double), 64)
	case v.Struct != nil:
		out := make(map[string]any, len(*v.Struct))
		for _, m := range *v.Struct {
			val, err := m.Value.native()
			if err != nil {
				return nil, err
			}
			out[m.Name] = val
		}
		return out, nil
	case v.Array != nil:
		out := make([]any, 0, len(*v.Array))
		for _, e := range *v.Array {
			val, err := e.native()
			if err != nil {
				return nil, err
			}
			out = append(out, val)
		}
		return out, nil
	default:
		return v.Text, nil
	}
}
