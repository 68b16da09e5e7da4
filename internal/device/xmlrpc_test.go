package device

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/danmuck/pcicrec/internal/testutil/testlog"
)

// rpcServer answers XML-RPC calls with canned bodies keyed by method.
func rpcServer(t *testing.T, answers map[string]string, seen *[]rpcCall) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != rpcPath {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var call rpcCall
		if err := xml.Unmarshal(body, &call); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if seen != nil {
			*seen = append(*seen, call)
		}
		w.Header().Set("Content-Type", "text/xml")
		_, _ = io.WriteString(w, answers[call.Method])
	}))
}

func clientFor(t *testing.T, srv *httptest.Server) *XMLRPCClient {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	c, err := NewXMLRPCClient(Config{Host: u.Hostname(), Port: port})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestXMLRPCGetReturnsJSONString(t *testing.T) {
	testlog.Start(t)
	var seen []rpcCall
	srv := rpcServer(t, map[string]string{
		"get": `<?xml version="1.0"?><methodResponse><params><param><value><string>{"ports":{"port2":{"data":{"pcicTCPPort":50012}}}}</string></value></param></params></methodResponse>`,
	}, &seen)
	defer srv.Close()

	raw, err := clientFor(t, srv).Get(context.Background(), []string{"/ports/port2/data/pcicTCPPort"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(string(raw), "50012") {
		t.Fatalf("unexpected document %s", raw)
	}
	if len(seen) != 1 || len(seen[0].Params) != 1 || seen[0].Params[0].Value.String == nil || *seen[0].Params[0].Value.String != "/ports/port2/data/pcicTCPPort" {
		t.Fatalf("unexpected call %+v", seen)
	}
}

func TestXMLRPCSoftwareVersionStruct(t *testing.T) {
	testlog.Start(t)
	srv := rpcServer(t, map[string]string{
		"getSWVersion": `<methodResponse><params><param><value><struct>
			<member><name>Main_Application</name><value><string>1.1.29</string></value></member>
			<member><name>Build</name><value><int>42</int></value></member>
		</struct></value></param></params></methodResponse>`,
	}, nil)
	defer srv.Close()

	v, err := clientFor(t, srv).SoftwareVersion(context.Background())
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v["Main_Application"] != "1.1.29" || v["Build"] != "42" {
		t.Fatalf("unexpected version map %v", v)
	}
}

func TestXMLRPCFault(t *testing.T) {
	testlog.Start(t)
	srv := rpcServer(t, map[string]string{
		"set": `<methodResponse><fault><value><struct>
			<member><name>faultCode</name><value><int>101000</int></value></member>
			<member><name>faultString</name><value><string>bad json</string></value></member>
		</struct></value></fault></methodResponse>`,
	}, nil)
	defer srv.Close()

	err := clientFor(t, srv).Set(context.Background(), []byte(`{}`))
	if !errors.Is(err, ErrFault) || !strings.Contains(err.Error(), "bad json") {
		t.Fatalf("expected fault, got %v", err)
	}
}

func TestXMLRPCUntypedValueIsString(t *testing.T) {
	testlog.Start(t)
	v, err := decodeResponse(strings.NewReader(`<methodResponse><params><param><value>{"a":1}</value></param></params></methodResponse>`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v != `{"a":1}` {
		t.Fatalf("unexpected value %#v", v)
	}
}

func TestNewXMLRPCClientRequiresHost(t *testing.T) {
	testlog.Start(t)
	if _, err := NewXMLRPCClient(Config{}); !errors.Is(err, ErrHostRequired) {
		t.Fatalf("expected ErrHostRequired, got %v", err)
	}
	if got := (Config{Host: "192.168.0.69"}).Endpoint(); got != "http://192.168.0.69/api/rpc/v1/com.ifm.efector/" {
		t.Fatalf("unexpected endpoint %s", got)
	}
}
