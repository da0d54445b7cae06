package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"log"
	"math/big"
	"net"
	"time"
)

// isTetherAddr reports whether ip falls in a range a tablet is plausibly
// reaching the server through: RFC1918 LAN space or an Android/iOS USB- or
// Wi-Fi-tethering subnet. Public addresses happen to show up in
// InterfaceAddrs on machines with a routable NIC, but a pairing cert for a
// desktop-capture daemon has no business asserting identity for those — so
// they're left out of the SAN list entirely rather than forwarded blind.
func isTetherAddr(ip net.IP) bool {
	if ip.IsLoopback() {
		return false
	}
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	switch {
	case v4[0] == 10:
		return true
	case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
		return true
	case v4[0] == 192 && v4[1] == 168:
		return true
	case v4[0] == 169 && v4[1] == 254: // link-local fallback some tethering stacks use
		return true
	}
	return false
}

// SelfSigned generates an ephemeral self-signed TLS certificate and returns
// a *tls.Config plus the certificate's SHA-256 fingerprint as a lowercase hex
// string suitable for display during first-pairing (the receiver has no CA
// to validate against, so the operator compares fingerprints out of band).
// The cert uses ECDSA P-256 and SANs for localhost, loopback, and only the
// interface IPs that look like LAN/tethering addresses (see isTetherAddr) —
// a fresh cert is minted every process start, so validity is capped at 7
// days rather than the usual year-long span, since nothing ever reads an
// old one back.
func SelfSigned() (*tls.Config, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, "", fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serialNumber,
		NotBefore:             now,
		NotAfter:              now.Add(7 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			if isTetherAddr(ipNet.IP) {
				tmpl.IPAddresses = append(tmpl.IPAddresses, ipNet.IP)
			}
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, "", fmt.Errorf("create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, "", fmt.Errorf("marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, "", fmt.Errorf("load key pair: %w", err)
	}

	sum := sha256.Sum256(certDER)
	fingerprint := hex.EncodeToString(sum[:])
	log.Printf("self-signed certificate fingerprint: %s", fingerprint)

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
	}, fingerprint, nil
}
