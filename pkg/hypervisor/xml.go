package hypervisor

import (
	"encoding/xml"
	"fmt"
)

// qmpSocketPath returns the deterministic path the libvirt-managed QEMU
// process for name is told to open its side-channel QMP monitor on,
// alongside the monitor socket libvirtd itself already uses. The backend
// speaks to this socket directly for capabilities libvirt doesn't expose
// (guest-exec, blockdev-snapshot-sync) — see qemu.go.
func qmpSocketPath(stateDir, name string) string {
	return fmt.Sprintf("%s/%s/qmp.sock", stateDir, name)
}

// domainXML mirrors the subset of libvirt's domain XML schema CloneBox
// needs to emit. Fields are ordered to match a conventional hand-written
// domain document, which keeps virsh dumpxml diffs readable during
// debugging.
type domainXML struct {
	XMLName xml.Name    `xml:"domain"`
	Type    string      `xml:"type,attr"`
	XMLNSQemu string    `xml:"xmlns:qemu,attr"`
	Name    string      `xml:"name"`
	VCPU    int         `xml:"vcpu"`
	Memory  memoryXML   `xml:"memory"`
	OS      osXML       `xml:"os"`
	Features *featuresXML `xml:"features,omitempty"`
	CPU     cpuXML      `xml:"cpu"`
	Devices devicesXML  `xml:"devices"`
	QemuCommandline *qemuCommandlineXML `xml:"qemu:commandline,omitempty"`
}

type memoryXML struct {
	Unit  string `xml:"unit,attr"`
	Value int64  `xml:",chardata"`
}

type osXML struct {
	Type osTypeXML `xml:"type"`
	Boot bootXML   `xml:"boot"`
}

type osTypeXML struct {
	Arch    string `xml:"arch,attr"`
	Machine string `xml:"machine,attr"`
	Value   string `xml:",chardata"`
}

type bootXML struct {
	Dev string `xml:"dev,attr"`
}

type featuresXML struct {
	ACPI *struct{} `xml:"acpi,omitempty"`
	APIC *struct{} `xml:"apic,omitempty"`
}

type cpuXML struct {
	Mode string `xml:"mode,attr"`
}

type devicesXML struct {
	Emulator string        `xml:"emulator"`
	Disks    []diskXML     `xml:"disk"`
	CDROMs   []cdromXML    `xml:"disk"`
	NICs     []interfaceXML `xml:"interface"`
	Channels []channelXML  `xml:"channel"`
	Serial   *serialXML    `xml:"serial,omitempty"`
	Console  *consoleXML   `xml:"console,omitempty"`
	Graphics *graphicsXML  `xml:"graphics,omitempty"`
	VSock    *vsockXML     `xml:"vsock,omitempty"`
}

type diskXML struct {
	Type   string       `xml:"type,attr"`
	Device string       `xml:"device,attr"`
	Driver diskDriverXML `xml:"driver"`
	Source diskSourceXML `xml:"source"`
	Target diskTargetXML `xml:"target"`
	ReadOnly *struct{}   `xml:"readonly,omitempty"`
}

type diskDriverXML struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
}

type diskSourceXML struct {
	File string `xml:"file,attr"`
}

type diskTargetXML struct {
	Dev string `xml:"dev,attr"`
	Bus string `xml:"bus,attr"`
}

type cdromXML = diskXML

type interfaceXML struct {
	Type   string          `xml:"type,attr"`
	MAC    interfaceMACXML `xml:"mac"`
	Source interfaceSourceXML `xml:"source"`
	Model  interfaceModelXML  `xml:"model"`
}

type interfaceMACXML struct {
	Address string `xml:"address,attr"`
}

type interfaceSourceXML struct {
	Network string `xml:"network,attr,omitempty"`
	Dev     string `xml:"dev,attr,omitempty"`
}

type interfaceModelXML struct {
	Type string `xml:"type,attr"`
}

type channelXML struct {
	Type   string          `xml:"type,attr"`
	Source channelSourceXML `xml:"source"`
	Target channelTargetXML `xml:"target"`
}

type channelSourceXML struct {
	Mode string `xml:"mode,attr"`
	Path string `xml:"path,attr"`
}

type channelTargetXML struct {
	Type string `xml:"type,attr"`
	Name string `xml:"name,attr"`
}

type serialXML struct {
	Type   string           `xml:"type,attr"`
	Source serialSourceXML  `xml:"source"`
}

type serialSourceXML struct {
	Path string `xml:"path,attr"`
}

type consoleXML struct {
	Type   string   `xml:"type,attr"`
	Target consoleTargetXML `xml:"target"`
}

type consoleTargetXML struct {
	Type string `xml:"type,attr"`
	Port string `xml:"port,attr"`
}

type graphicsXML struct {
	Type string `xml:"type,attr"`
}

type vsockXML struct {
	Model string    `xml:"model,attr"`
	CID   vsockCIDXML `xml:"cid"`
}

type vsockCIDXML struct {
	Auto    string `xml:"auto,attr"`
	Address uint32 `xml:"address,attr"`
}

type qemuCommandlineXML struct {
	Args []qemuArgXML `xml:"qemu:arg"`
}

type qemuArgXML struct {
	Value string `xml:"value,attr"`
}

// buildDomainXML renders cfg into a libvirt domain document. stateDir is
// where per-domain runtime artifacts (the QMP side socket) live.
func buildDomainXML(cfg DomainConfig, stateDir string) (string, error) {
	doc := domainXML{
		Type:      "kvm",
		XMLNSQemu: "http://libvirt.org/schemas/domain/qemu/1.0",
		Name:      cfg.Name,
		VCPU:      cfg.VCPUs,
		Memory:    memoryXML{Unit: "MiB", Value: cfg.MemoryMiB},
		OS: osXML{
			Type: osTypeXML{Arch: "x86_64", Machine: "q35", Value: "hvm"},
			Boot: bootXML{Dev: "hd"},
		},
		Features: &featuresXML{ACPI: &struct{}{}, APIC: &struct{}{}},
		CPU:      cpuXML{Mode: "host-passthrough"},
		Devices: devicesXML{
			Emulator: "/usr/bin/qemu-system-x86_64",
			Serial:   &serialXML{Type: "file", Source: serialSourceXML{Path: cfg.SerialLog}},
			Console:  &consoleXML{Type: "file", Target: consoleTargetXML{Type: "serial", Port: "0"}},
			Graphics: &graphicsXML{Type: "none"},
			Channels: []channelXML{{
				Type:   "unix",
				Source: channelSourceXML{Mode: "bind"},
				Target: channelTargetXML{Type: "virtio", Name: "org.qemu.guest_agent.0"},
			}},
		},
	}

	for i, d := range cfg.Disks {
		bus := d.Bus
		if bus == "" {
			bus = "virtio"
		}
		doc.Devices.Disks = append(doc.Devices.Disks, diskXML{
			Type:   "file",
			Device: "disk",
			Driver: diskDriverXML{Name: "qemu", Type: d.Format},
			Source: diskSourceXML{File: d.Path},
			Target: diskTargetXML{Dev: fmt.Sprintf("vd%c", 'a'+i), Bus: bus},
			ReadOnly: func() *struct{} {
				if d.Readonly {
					return &struct{}{}
				}
				return nil
			}(),
		})
	}
	for i, path := range cfg.CDROMPaths {
		doc.Devices.CDROMs = append(doc.Devices.CDROMs, diskXML{
			Type:     "file",
			Device:   "cdrom",
			Driver:   diskDriverXML{Name: "qemu", Type: "raw"},
			Source:   diskSourceXML{File: path},
			Target:   diskTargetXML{Dev: fmt.Sprintf("sd%c", 'a'+i), Bus: "sata"},
			ReadOnly: &struct{}{},
		})
	}
	for _, n := range cfg.NICs {
		model := n.Model
		if model == "" {
			model = "virtio-net-pci"
		}
		iface := interfaceXML{
			Type:   "network",
			MAC:    interfaceMACXML{Address: n.MAC},
			Model:  interfaceModelXML{Type: model},
		}
		if n.TAPDevice != "" {
			iface.Type = "ethernet"
			iface.Source = interfaceSourceXML{Dev: n.TAPDevice}
		} else {
			iface.Source = interfaceSourceXML{Network: "default"}
		}
		doc.Devices.NICs = append(doc.Devices.NICs, iface)
	}

	if cfg.VsockCID != 0 {
		doc.Devices.VSock = &vsockXML{Model: "virtio", CID: vsockCIDXML{Auto: "no", Address: cfg.VsockCID}}
	}

	if len(cfg.ExtraArgs) > 0 {
		args := &qemuCommandlineXML{}
		args.Args = append(args.Args, qemuArgXML{Value: "-qmp"}, qemuArgXML{Value: fmt.Sprintf("unix:%s,server,nowait", qmpSocketPath(stateDir, cfg.Name))})
		for _, a := range cfg.ExtraArgs {
			args.Args = append(args.Args, qemuArgXML{Value: a})
		}
		doc.QemuCommandline = args
	} else {
		doc.QemuCommandline = &qemuCommandlineXML{Args: []qemuArgXML{
			{Value: "-qmp"},
			{Value: fmt.Sprintf("unix:%s,server,nowait", qmpSocketPath(stateDir, cfg.Name))},
		}}
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal domain xml: %w", err)
	}
	return xml.Header + string(out), nil
}
