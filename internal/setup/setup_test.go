package setup

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/provider-agent/internal/provisioner/proxmox"
	"github.com/narvanalabs/provider-agent/pkg/config"
)

type reply struct {
	out    string
	status int
	err    error
}

// fakeHost answers commands by prefix; unmatched commands succeed silently.
type fakeHost struct {
	mu       sync.Mutex
	replies  map[string]reply
	commands []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{replies: map[string]reply{
		"hostname":                {out: "pve1\n"},
		"qm status":               {out: "Configuration file does not exist", status: 2},
		"test -s":                 {status: 1},
		"qm importdisk":           {out: "transferred 2.2 GiB\nSuccessfully imported disk as 'unused0:local-lvm:vm-9000-disk-0'\n"},
		"pveum user token remove": {out: "no such token", status: 255},
		"pveum user token add":    {out: `{"full-tokenid":"root@pam!provider-agent","info":{"privsep":"0"},"value":"0b4c-secret"}`},
	}}
}

func (h *fakeHost) Run(_ context.Context, command string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, command)

	best := ""
	for prefix := range h.replies {
		if strings.HasPrefix(command, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	r, ok := h.replies[best]
	if !ok {
		return "", nil
	}
	if r.err != nil {
		return "", r.err
	}
	if r.status != 0 {
		return r.out, &ExitError{Command: command, Status: r.status, Output: r.out}
	}
	return r.out, nil
}

func (h *fakeHost) set(prefix string, r reply) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replies[prefix] = r
}

func (h *fakeHost) ran(prefix string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, c := range h.commands {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func noVerify(context.Context, *Result) error { return nil }

func newTestSetup(t *testing.T, host *fakeHost, keys string, opts ...Option) *Setup {
	t.Helper()
	templates, err := ParseTemplates(keys)
	if err != nil {
		t.Fatalf("ParseTemplates() error = %v", err)
	}
	s, err := New(host, Options{Host: "192.0.2.10", Templates: templates}, append([]Option{WithVerifier(noVerify)}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestRunBuildsTemplateAndToken(t *testing.T) {
	host := newFakeHost()
	s := newTestSetup(t, host, "ubuntu-24.04")

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.Node != "pve1" || res.APIURL != "https://192.0.2.10:8006" || res.Storage != "local-lvm" {
		t.Errorf("result = %+v", res)
	}
	if res.TokenID != "root@pam!provider-agent" || res.TokenSecret != "0b4c-secret" {
		t.Errorf("token = %s / %s", res.TokenID, res.TokenSecret)
	}
	if len(res.Templates) != 1 || res.Templates[0].VMID != 9000 || res.Templates[0].Existed {
		t.Errorf("templates = %+v", res.Templates)
	}

	if got := host.ran("mkdir -p /var/tmp/provider-agent && wget"); len(got) != 1 {
		t.Errorf("image downloads = %d, want 1", len(got))
	}
	if got := host.ran("qm set 9000 --scsihw"); len(got) != 1 || !strings.Contains(got[0], "--scsi0 local-lvm:vm-9000-disk-0,discard=on") {
		t.Errorf("disk attach = %v", got)
	}
	if got := host.ran("qm template 9000"); len(got) != 1 {
		t.Errorf("template conversion = %v", got)
	}
	if got := host.ran("qm destroy"); len(got) != 0 {
		t.Errorf("unexpected cleanup: %v", got)
	}

	remove := slices.Index(host.commands, "pveum user token remove root@pam provider-agent")
	add := slices.IndexFunc(host.commands, func(c string) bool { return strings.HasPrefix(c, "pveum user token add") })
	if remove < 0 || add < remove {
		t.Errorf("old token not removed before creating the new one: %v", host.commands)
	}
}

func TestRunSkipsExistingTemplate(t *testing.T) {
	host := newFakeHost()
	host.set("qm status 9002", reply{out: "status: stopped"})
	s := newTestSetup(t, host, "debian-12")

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Templates[0].Existed {
		t.Error("existing template not reported as existing")
	}
	if got := host.ran("qm create"); len(got) != 0 {
		t.Errorf("existing VMID was recreated: %v", got)
	}
}

func TestRunReusesDownloadedImage(t *testing.T) {
	host := newFakeHost()
	host.set("test -s", reply{})
	s := newTestSetup(t, host, "rocky-9")

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := host.ran("mkdir -p"); len(got) != 0 {
		t.Errorf("image downloaded again: %v", got)
	}
}

func TestRunDestroysHalfBuiltTemplate(t *testing.T) {
	host := newFakeHost()
	host.set("qm importdisk", reply{out: "storage full", status: 1})
	s := newTestSetup(t, host, "ubuntu-22.04")

	_, err := s.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "importing disk") {
		t.Fatalf("Run() error = %v, want import failure", err)
	}
	if got := host.ran("qm destroy 9001 --purge"); len(got) != 1 {
		t.Errorf("cleanup = %v, want one destroy", got)
	}
	if got := host.ran("pveum"); len(got) != 0 {
		t.Errorf("token created after a failed template: %v", got)
	}
}

func TestRunMissingStorage(t *testing.T) {
	host := newFakeHost()
	host.set("pvesm status", reply{out: "storage 'local-lvm' does not exist", status: 255})
	s := newTestSetup(t, host, "ubuntu-24.04")

	_, err := s.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "not available") {
		t.Fatalf("Run() error = %v", err)
	}
	if got := host.ran("qm"); len(got) != 0 {
		t.Errorf("qm ran without storage: %v", got)
	}
}

func TestRunTransportErrorIsNotAMissingTemplate(t *testing.T) {
	host := newFakeHost()
	host.set("qm status", reply{err: errors.New("connection reset")})
	s := newTestSetup(t, host, "ubuntu-24.04")

	if _, err := s.Run(context.Background()); err == nil {
		t.Fatal("Run() succeeded over a broken connection")
	}
	if got := host.ran("qm create"); len(got) != 0 {
		t.Errorf("VM created after a transport error: %v", got)
	}
}

func TestRunVerifierFailure(t *testing.T) {
	host := newFakeHost()
	s := newTestSetup(t, host, "ubuntu-24.04", WithVerifier(func(context.Context, *Result) error {
		return errors.New("401 authentication failure")
	}))

	if _, err := s.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "verifying api token") {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestNewRejectsUnsafeOptions(t *testing.T) {
	templates := Templates()[:1]
	tests := []Options{
		{Templates: templates},
		{Host: "pve", Storage: "local; rm -rf /", Templates: templates},
		{Host: "pve", ProxmoxUser: "root", Templates: templates},
		{Host: "pve", Bridge: "vmbr0 && reboot", Templates: templates},
		{Host: "pve"},
	}
	for _, opts := range tests {
		if _, err := New(newFakeHost(), opts); err == nil {
			t.Errorf("New(%+v) succeeded", opts)
		}
	}
}

func TestParseTemplates(t *testing.T) {
	got, err := ParseTemplates("noble, ubuntu-24.04,Debian-12")
	if err != nil {
		t.Fatalf("ParseTemplates() error = %v", err)
	}
	if len(got) != 2 || got[0].VMID != 9000 || got[1].VMID != 9002 {
		t.Errorf("ParseTemplates() = %+v", got)
	}

	if _, err := ParseTemplates("windows-11"); err == nil || !strings.Contains(err.Error(), "ubuntu-24.04") {
		t.Errorf("unknown template error = %v", err)
	}
	if _, err := ParseTemplates(" , "); err == nil {
		t.Error("empty template list accepted")
	}
}

func TestTemplateTable(t *testing.T) {
	seen := make(map[int]bool)
	for _, tpl := range Templates() {
		if seen[tpl.VMID] {
			t.Errorf("VMID %d used twice", tpl.VMID)
		}
		seen[tpl.VMID] = true
		if proxmox.IsAgentVMID(tpl.VMID) {
			t.Errorf("template VMID %d collides with the agent VMID range", tpl.VMID)
		}
		if !strings.HasPrefix(tpl.ImageURL, "https://") {
			t.Errorf("template %s image is not fetched over https", tpl.Key)
		}
	}
}

func TestAPIVerifier(t *testing.T) {
	const auth = "PVEAPIToken=root@pam!provider-agent=0b4c-secret"
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Authorization") != auth {
				http.Error(w, "authentication failure", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/api2/json/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"version":"8.2.4"}}`))
	})
	r.Get("/api2/json/nodes/pve1/storage/local-lvm/status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"active":1}}`))
	})
	r.Get("/api2/json/nodes/pve1/qemu/9000/status/current", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"vmid":9000,"name":"tpl-ubuntu-2404","status":"stopped"}}`))
	})
	srv := httptest.NewTLSServer(r)
	t.Cleanup(srv.Close)

	tpl, _ := LookupTemplate("ubuntu-24.04")
	res := &Result{
		APIURL:      srv.URL,
		TokenID:     "root@pam!provider-agent",
		TokenSecret: "0b4c-secret",
		Node:        "pve1",
		Storage:     "local-lvm",
		Templates:   []CreatedTemplate{{Template: tpl}},
	}

	verify := APIVerifier(true, nil)
	if err := verify(context.Background(), res); err != nil {
		t.Fatalf("verify() error = %v", err)
	}

	res.TokenSecret = "wrong"
	if err := verify(context.Background(), res); err == nil {
		t.Error("verify() accepted a wrong token")
	}
}

func TestRenderedConfigLoads(t *testing.T) {
	debian, _ := LookupTemplate("debian-12")
	ubuntu, _ := LookupTemplate("ubuntu-24.04")
	res := &Result{
		APIURL:      "https://192.0.2.10:8006",
		TokenID:     "root@pam!provider-agent",
		TokenSecret: "0b4c-secret",
		Node:        "pve1",
		Storage:     "local-lvm",
		Templates:   []CreatedTemplate{{Template: debian}, {Template: ubuntu}},
	}

	data, err := res.RenderConfig(AgentSettings{
		Endpoint:       "https://api.example.org",
		ProviderPubkey: "d75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a",
		AgentSecretKey: "/etc/provider-agent/agent.key",
	})
	if err != nil {
		t.Fatalf("RenderConfig() error = %v", err)
	}

	var cfg config.Config
	if err := config.Parse(data, &cfg); err != nil {
		t.Fatalf("Parse() error = %v\n%s", err, data)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v\n%s", err, data)
	}

	p := cfg.Provisioner.Proxmox
	if p.TemplateVMID != 9000 || p.Node != "pve1" || p.APITokenSecret != "0b4c-secret" || !p.InsecureSkipVerify {
		t.Errorf("proxmox config = %+v", p)
	}
	if !strings.Contains(string(data), "9002  tpl-debian-12") {
		t.Errorf("template list missing from header:\n%s", data)
	}
}

func TestRenderedConfigPlaceholderKey(t *testing.T) {
	tpl, _ := LookupTemplate("rocky-9")
	res := &Result{APIURL: "https://pve:8006", Node: "pve", Storage: "local", Templates: []CreatedTemplate{{Template: tpl}}}

	data, err := res.RenderConfig(AgentSettings{Endpoint: "https://api.example.org"})
	if err != nil {
		t.Fatalf("RenderConfig() error = %v", err)
	}
	if !strings.Contains(string(data), ProviderPubkeyPlaceholder) {
		t.Errorf("placeholder missing:\n%s", data)
	}
	if !strings.Contains(string(data), "template_vmid: 9003") {
		t.Errorf("fallback template not used:\n%s", data)
	}
}
