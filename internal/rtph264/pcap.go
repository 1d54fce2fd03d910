package rtph264

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pion/rtp"
)

// DefaultPort is the UDP port used when writing captures.
const DefaultPort = 5004

const snapLen = 65536

// PcapSource replays RTP packets carried over UDP from a pcap file.
type PcapSource struct {
	r    *pcapgo.Reader
	port uint16
}

// NewPcapSource reads the pcap header from r. A zero port accepts UDP
// datagrams on any destination port.
func NewPcapSource(r io.Reader, port uint16) (*PcapSource, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("rtph264: open pcap: %w", err)
	}
	return &PcapSource{r: pr, port: port}, nil
}

// Next returns the next RTP packet and its capture time. It returns io.EOF
// at the end of the capture. Non-UDP frames, other ports and RTCP are
// skipped.
func (s *PcapSource) Next() (*rtp.Packet, time.Time, error) {
	for {
		data, ci, err := s.r.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, time.Time{}, io.EOF
			}
			return nil, time.Time{}, fmt.Errorf("rtph264: read pcap: %w", err)
		}

		packet := gopacket.NewPacket(data, s.r.LinkType(), gopacket.NoCopy)
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, _ := udpLayer.(*layers.UDP)
		if s.port != 0 && uint16(udp.DstPort) != s.port {
			continue
		}
		payload := udp.Payload
		if len(payload) < rtpHeaderSz || payload[0]>>6 != 2 {
			continue
		}
		// RTCP packet types 192..223 share the port when multiplexed.
		if payload[1] >= 192 && payload[1] <= 223 {
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(append([]byte(nil), payload...)); err != nil {
			log.Debug("skipping undecodable rtp packet", "error", err)
			continue
		}
		return &pkt, ci.Timestamp, nil
	}
}

// PcapWriter records RTP packets as IPv4/UDP over Ethernet so the capture
// can be replayed with PcapSource or opened in a packet analyzer.
type PcapWriter struct {
	w   *pcapgo.Writer
	eth layers.Ethernet
	ip  layers.IPv4
	udp layers.UDP
}

// NewPcapWriter writes a pcap file header to w.
func NewPcapWriter(w io.Writer, port uint16) (*PcapWriter, error) {
	if port == 0 {
		port = DefaultPort
	}
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("rtph264: write pcap header: %w", err)
	}
	return &PcapWriter{
		w: pw,
		eth: layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		},
		ip: layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(127, 0, 0, 1),
			DstIP:    net.IPv4(127, 0, 0, 1),
		},
		udp: layers.UDP{
			SrcPort: layers.UDPPort(port),
			DstPort: layers.UDPPort(port),
		},
	}, nil
}

// WritePacket appends pkt captured at ts.
func (p *PcapWriter) WritePacket(pkt *rtp.Packet, ts time.Time) error {
	payload, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("rtph264: marshal rtp: %w", err)
	}
	ip, udp := p.ip, p.udp
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		return fmt.Errorf("rtph264: udp checksum: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &p.eth, &ip, &udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("rtph264: serialize frame: %w", err)
	}
	data := buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
	if err := p.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("rtph264: write pcap packet: %w", err)
	}
	return nil
}
