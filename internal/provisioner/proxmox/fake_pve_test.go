package proxmox

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	testNode        = "pve1"
	testTokenID     = "root@pam!agent"
	testTokenSecret = "secret"
	testTemplate    = 9000
)

type fakeVM struct {
	name     string
	status   string
	uptime   int64
	template bool
	lock     string
	config   url.Values
}

type fakeTask struct {
	exit  string
	never bool
}

// fakePVE is an in-memory Proxmox VE API for one node.
type fakePVE struct {
	mu sync.Mutex

	vms   map[int]*fakeVM
	tasks map[string]*fakeTask
	seq   int

	cloneExit      string
	neverFinish    bool
	failConfigure  bool
	guestReadyFrom int
	guestCalls     int
	guestIfaces    []GuestInterface

	requests []string
}

func newFakePVE() *fakePVE {
	return &fakePVE{
		vms: map[int]*fakeVM{
			testTemplate: {name: "debian-template", status: "stopped", template: true},
		},
		tasks:     make(map[string]*fakeTask),
		cloneExit: "OK",
		guestIfaces: []GuestInterface{
			{Name: "lo", IPAddresses: []GuestIPAddress{{Address: "127.0.0.1", Type: "ipv4"}, {Address: "::1", Type: "ipv6"}}},
			{Name: "eth0", IPAddresses: []GuestIPAddress{
				{Address: "fe80::be24:11ff:fe00:1", Type: "ipv6"},
				{Address: "10.0.0.100", Type: "ipv4"},
				{Address: "2001:db8::100", Type: "ipv6"},
			}},
		},
	}
}

func (f *fakePVE) server(t *testing.T) *httptest.Server {
	t.Helper()

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Authorization") != fmt.Sprintf("PVEAPIToken=%s=%s", testTokenID, testTokenSecret) {
				http.Error(w, "authentication failure", http.StatusUnauthorized)
				return
			}
			f.mu.Lock()
			f.requests = append(f.requests, req.Method+" "+req.URL.Path)
			f.mu.Unlock()
			next.ServeHTTP(w, req)
		})
	})

	r.Route("/api2/json", func(r chi.Router) {
		r.Get("/version", func(w http.ResponseWriter, req *http.Request) {
			writeData(w, map[string]string{"version": "8.2.4", "release": "8.2"})
		})
		r.Get("/pools/{pool}", func(w http.ResponseWriter, req *http.Request) {
			writeData(w, map[string]any{"members": []any{}})
		})
		r.Route("/nodes/{node}", func(r chi.Router) {
			r.Get("/qemu", f.listVMs)
			r.Post("/qemu/{vmid}/clone", f.clone)
			r.Get("/qemu/{vmid}/config", f.getConfig)
			r.Put("/qemu/{vmid}/config", f.putConfig)
			r.Put("/qemu/{vmid}/resize", f.resize)
			r.Post("/qemu/{vmid}/status/start", f.power("running"))
			r.Post("/qemu/{vmid}/status/stop", f.power("stopped"))
			r.Get("/qemu/{vmid}/status/current", f.current)
			r.Get("/qemu/{vmid}/agent/network-get-interfaces", f.guest)
			r.Delete("/qemu/{vmid}", f.destroy)
			r.Get("/tasks/{upid}/status", f.taskStatus)
			r.Get("/storage/{storage}/status", func(w http.ResponseWriter, req *http.Request) {
				writeData(w, map[string]any{"active": 1, "avail": 1 << 40})
			})
		})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeMissing(w http.ResponseWriter, vmid int) {
	http.Error(w, fmt.Sprintf("Configuration file 'nodes/%s/qemu-server/%d.conf' does not exist", testNode, vmid), http.StatusInternalServerError)
}

func vmidParam(req *http.Request) int {
	vmid, _ := strconv.Atoi(chi.URLParam(req, "vmid"))
	return vmid
}

// newTask registers a task; callers hold f.mu.
func (f *fakePVE) newTask(kind string, vmid int, exit string) string {
	f.seq++
	upid := fmt.Sprintf("UPID:%s:%08X:00000000:%08X:%s:%d:root@pam:", testNode, f.seq, time.Now().Unix(), kind, vmid)
	f.tasks[upid] = &fakeTask{exit: exit, never: f.neverFinish}
	return upid
}

func (f *fakePVE) listVMs(w http.ResponseWriter, req *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []VMSummary
	for id, vm := range f.vms {
		s := VMSummary{VMID: id, Name: vm.name, Status: vm.status}
		if vm.template {
			s.Template = 1
		}
		out = append(out, s)
	}
	writeData(w, out)
}

func (f *fakePVE) clone(w http.ResponseWriter, req *http.Request) {
	_ = req.ParseForm()
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.vms[vmidParam(req)]; !ok {
		writeMissing(w, vmidParam(req))
		return
	}
	newID, _ := strconv.Atoi(req.PostForm.Get("newid"))
	if _, exists := f.vms[newID]; exists {
		http.Error(w, fmt.Sprintf("VM %d already exists", newID), http.StatusInternalServerError)
		return
	}
	if req.PostForm.Get("full") != "1" {
		http.Error(w, "linked clone not expected", http.StatusBadRequest)
		return
	}
	if f.cloneExit == "OK" || f.neverFinish {
		f.vms[newID] = &fakeVM{name: req.PostForm.Get("name"), status: "stopped", config: url.Values{}}
	}
	writeData(w, f.newTask("qmclone", newID, f.cloneExit))
}

func (f *fakePVE) getConfig(w http.ResponseWriter, req *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[vmidParam(req)]
	if !ok {
		writeMissing(w, vmidParam(req))
		return
	}
	cfg := map[string]any{"name": vm.name}
	if vm.template {
		cfg["template"] = 1
	}
	writeData(w, cfg)
}

func (f *fakePVE) putConfig(w http.ResponseWriter, req *http.Request) {
	_ = req.ParseForm()
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[vmidParam(req)]
	if !ok {
		writeMissing(w, vmidParam(req))
		return
	}
	if f.failConfigure {
		http.Error(w, "unable to apply cloud-init", http.StatusInternalServerError)
		return
	}
	for k, v := range req.PostForm {
		vm.config[k] = v
	}
	writeData(w, nil)
}

func (f *fakePVE) resize(w http.ResponseWriter, req *http.Request) {
	_ = req.ParseForm()
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[vmidParam(req)]
	if !ok {
		writeMissing(w, vmidParam(req))
		return
	}
	vm.config.Set("size", req.PostForm.Get("disk")+"="+req.PostForm.Get("size"))
	writeData(w, nil)
}

func (f *fakePVE) power(state string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		vm, ok := f.vms[vmidParam(req)]
		if !ok {
			writeMissing(w, vmidParam(req))
			return
		}
		vm.status = state
		kind := "qmstart"
		if state == "stopped" {
			kind = "qmstop"
		}
		writeData(w, f.newTask(kind, vmidParam(req), "OK"))
	}
}

func (f *fakePVE) current(w http.ResponseWriter, req *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[vmidParam(req)]
	if !ok {
		writeMissing(w, vmidParam(req))
		return
	}
	writeData(w, VMStatus{VMID: vmidParam(req), Name: vm.name, Status: vm.status, Uptime: vm.uptime, Lock: vm.lock})
}

func (f *fakePVE) guest(w http.ResponseWriter, req *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[vmidParam(req)]
	if !ok {
		writeMissing(w, vmidParam(req))
		return
	}
	if vm.status != "running" {
		http.Error(w, fmt.Sprintf("VM %d is not running", vmidParam(req)), http.StatusInternalServerError)
		return
	}
	f.guestCalls++
	if f.guestReadyFrom < 0 || f.guestCalls < f.guestReadyFrom {
		http.Error(w, "QEMU guest agent is not running", http.StatusInternalServerError)
		return
	}
	writeData(w, map[string]any{"result": f.guestIfaces})
}

func (f *fakePVE) destroy(w http.ResponseWriter, req *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.URL.Query().Get("purge") != "1" || req.URL.Query().Get("destroy-unreferenced-disks") != "1" {
		http.Error(w, "purge expected", http.StatusBadRequest)
		return
	}
	vm, ok := f.vms[vmidParam(req)]
	if !ok {
		writeMissing(w, vmidParam(req))
		return
	}
	if vm.status == "running" {
		http.Error(w, "VM is running - destroy failed", http.StatusInternalServerError)
		return
	}
	delete(f.vms, vmidParam(req))
	writeData(w, f.newTask("qmdestroy", vmidParam(req), "OK"))
}

func (f *fakePVE) taskStatus(w http.ResponseWriter, req *http.Request) {
	upid, _ := url.PathUnescape(chi.URLParam(req, "upid"))
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[upid]
	if !ok {
		http.Error(w, "no such task", http.StatusInternalServerError)
		return
	}
	if task.never {
		writeData(w, TaskStatus{Status: "running"})
		return
	}
	writeData(w, TaskStatus{Status: "stopped", ExitStatus: task.exit})
}

func (f *fakePVE) addVM(vmid int, name, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vms[vmid] = &fakeVM{name: name, status: status, uptime: 3600, config: url.Values{}}
}

func (f *fakePVE) setLock(vmid int, lock string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vms[vmid].lock = lock
}

func (f *fakePVE) vm(vmid int) (fakeVM, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[vmid]
	if !ok {
		return fakeVM{}, false
	}
	return *vm, true
}

func (f *fakePVE) called(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if len(r) >= len(prefix) && r[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func newTestProvisioner(t *testing.T, f *fakePVE) *Provisioner {
	t.Helper()
	srv := f.server(t)
	return New(Config{
		Client: ClientConfig{
			BaseURL:     srv.URL,
			TokenID:     testTokenID,
			TokenSecret: testTokenSecret,
			Node:        testNode,
		},
		TemplateVMID:        testTemplate,
		Storage:             "local-lvm",
		TaskPollInterval:    5 * time.Millisecond,
		TaskTimeout:         500 * time.Millisecond,
		AddressPollInterval: 5 * time.Millisecond,
		AddressTimeout:      300 * time.Millisecond,
	}, nil)
}
