package setup

import (
	"fmt"
	"slices"
	"strings"
)

// Template is a cloud image that setup turns into a Proxmox VM template.
type Template struct {
	// Key is the name accepted on the command line, e.g. ubuntu-24.04.
	Key   string
	Title string
	// ImageURL is the upstream cloud image.
	ImageURL string
	// Image is the file name the image is downloaded to on the host.
	Image string
	// Name is the VM name of the template in Proxmox.
	Name string
	VMID int

	aliases []string
}

var templates = []Template{
	{
		Key:      "ubuntu-24.04",
		Title:    "Ubuntu 24.04 LTS",
		ImageURL: "https://cloud-images.ubuntu.com/noble/current/noble-server-cloudimg-amd64.img",
		Image:    "noble-server-cloudimg-amd64.img",
		Name:     "tpl-ubuntu-2404",
		VMID:     9000,
		aliases:  []string{"ubuntu2404", "noble"},
	},
	{
		Key:      "ubuntu-22.04",
		Title:    "Ubuntu 22.04 LTS",
		ImageURL: "https://cloud-images.ubuntu.com/jammy/current/jammy-server-cloudimg-amd64.img",
		Image:    "jammy-server-cloudimg-amd64.img",
		Name:     "tpl-ubuntu-2204",
		VMID:     9001,
		aliases:  []string{"ubuntu2204", "jammy"},
	},
	{
		Key:      "debian-12",
		Title:    "Debian 12 (Bookworm)",
		ImageURL: "https://cloud.debian.org/images/cloud/bookworm/latest/debian-12-generic-amd64.qcow2",
		Image:    "debian-12-generic-amd64.qcow2",
		Name:     "tpl-debian-12",
		VMID:     9002,
		aliases:  []string{"debian12", "bookworm"},
	},
	{
		Key:      "rocky-9",
		Title:    "Rocky Linux 9",
		ImageURL: "https://download.rockylinux.org/pub/rocky/9/images/x86_64/Rocky-9-GenericCloud.latest.x86_64.qcow2",
		Image:    "Rocky-9-GenericCloud.latest.x86_64.qcow2",
		Name:     "tpl-rocky-9",
		VMID:     9003,
		aliases:  []string{"rocky9", "rockylinux9"},
	},
}

// Templates returns every supported template.
func Templates() []Template {
	return slices.Clone(templates)
}

// TemplateKeys returns the command line names of the supported templates.
func TemplateKeys() []string {
	keys := make([]string, len(templates))
	for i, t := range templates {
		keys[i] = t.Key
	}
	return keys
}

// LookupTemplate finds a template by key or alias, ignoring case.
func LookupTemplate(name string) (Template, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, t := range templates {
		if t.Key == name || slices.Contains(t.aliases, name) {
			return t, true
		}
	}
	return Template{}, false
}

// ParseTemplates parses a comma separated template list. Duplicates are dropped.
func ParseTemplates(list string) ([]Template, error) {
	var out []Template
	for _, name := range strings.Split(list, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		t, ok := LookupTemplate(name)
		if !ok {
			return nil, fmt.Errorf("unknown template %q (supported: %s)", strings.TrimSpace(name), strings.Join(TemplateKeys(), ", "))
		}
		if !slices.ContainsFunc(out, func(o Template) bool { return o.VMID == t.VMID }) {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one template is required")
	}
	return out, nil
}
