package capture

import (
	"errors"
	"fmt"

	"github.com/google/gopacket/pcap"
)

// ErrNoInterface 没有可用于捕获的网卡
var ErrNoInterface = errors.New("no capture interface available")

// Interface 可捕获的网卡
type Interface struct {
	Name        string
	Description string
	Addresses   []string
	Loopback    bool
}

// ListInterfaces 列出 libpcap 可见的网卡
func ListInterfaces() ([]Interface, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("获取网络接口失败: %w", err)
	}

	out := make([]Interface, 0, len(devs))
	for _, d := range devs {
		iface := Interface{Name: d.Name, Description: d.Description}
		for _, a := range d.Addresses {
			if a.IP == nil {
				continue
			}
			iface.Addresses = append(iface.Addresses, a.IP.String())
			if a.IP.IsLoopback() {
				iface.Loopback = true
			}
		}
		if d.Name == "lo" || d.Name == "lo0" {
			iface.Loopback = true
		}
		out = append(out, iface)
	}
	return out, nil
}

// DefaultInterface 第一个有地址的非回环网卡
func DefaultInterface() (string, error) {
	ifaces, err := ListInterfaces()
	if err != nil {
		return "", err
	}
	return pickDefault(ifaces)
}

func pickDefault(ifaces []Interface) (string, error) {
	for _, iface := range ifaces {
		if !iface.Loopback && len(iface.Addresses) > 0 {
			return iface.Name, nil
		}
	}
	return "", ErrNoInterface
}
