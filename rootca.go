package whistleca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// ProductName prefixes the common name of every generated root.
const ProductName = "whistle"

const (
	maxInstallationIDLen = 20
	rootValidityYears    = 10
)

// oidNetscapeCertType is the legacy nsCertType extension.
var oidNetscapeCertType = asn1.ObjectIdentifier{2, 16, 840, 1, 113730, 1, 1}

// Netscape cert type bits, most significant first.
const (
	nsClient  = 0x80
	nsServer  = 0x40
	nsEmail   = 0x20
	nsObjSign = 0x10
	nsSSLCA   = 0x04
	nsEmailCA = 0x02
	nsObjCA   = 0x01
)

// ErrCorruptRoot is returned when a non-empty root key or certificate on disk
// cannot be parsed. The files are left untouched.
var ErrCorruptRoot = errors.New("whistleca: corrupt root CA files")

// RootSubject carries the inputs for the root's distinguished name.
type RootSubject struct {
	// InstallationID identifies this install, e.g. the home directory name.
	InstallationID string

	// MAC is the hardware (or IPv4) address of a local interface.
	MAC string
}

// CommonName joins the product name with the optional suffixes as
// "whistle(id@mac)".
func (s RootSubject) CommonName() string {
	var parts []string
	if id, ok := encodeInstallationID(s.InstallationID); ok {
		parts = append(parts, id)
	}
	if s.MAC != "" {
		parts = append(parts, s.MAC)
	}
	if len(parts) == 0 {
		return ProductName
	}
	return ProductName + "(" + strings.Join(parts, "@") + ")"
}

// Name returns the full subject used as both subject and issuer of the root.
func (s RootSubject) Name() pkix.Name {
	cn := s.CommonName()
	return pkix.Name{
		CommonName:         cn,
		Country:            []string{"CN"},
		Province:           []string{"ZJ"},
		Locality:           []string{"HZ"},
		Organization:       []string{cn},
		OrganizationalUnit: []string{"WPROXY"},
	}
}

// encodeInstallationID caps id at 20 runes and escapes it so the common name
// stays installable on every trust store. Invalid UTF-8 is dropped.
func encodeInstallationID(id string) (string, bool) {
	if id == "" || !utf8.ValidString(id) {
		return "", false
	}
	if r := []rune(id); len(r) > maxInstallationIDLen {
		id = string(r[:maxInstallationIDLen])
	}
	return url.PathEscape(id), true
}

// localMAC returns the hardware address of the first non-loopback interface
// that carries an IPv4 address, falling back to that address when the
// interface has no MAC.
func localMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil || ipnet.IP.IsLoopback() {
				continue
			}
			if len(iface.HardwareAddr) > 0 {
				return iface.HardwareAddr.String()
			}
			return ipnet.IP.String()
		}
	}
	return ""
}

// validity spans ten years either side of now.
func validity(now time.Time) (notBefore, notAfter time.Time) {
	return now.AddDate(-rootValidityYears, 0, 0), now.AddDate(rootValidityYears, 0, 0)
}

// GenerateRootCA creates a self-signed root with a bits-sized RSA key.
// Returns PEM-encoded certificate and key.
func GenerateRootCA(subject RootSubject, bits int) (certPEM, keyPEM []byte, err error) {
	key, cert, err := generateRoot(subject, bits, time.Now())
	if err != nil {
		return nil, nil, err
	}
	return encodeCertPEM(cert.Raw), encodeKeyPEM(key), nil
}

func generateRoot(subject RootSubject, bits int, now time.Time) (*rsa.PrivateKey, *x509.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	nsCertType, err := asn1.Marshal(asn1.BitString{
		Bytes:     []byte{nsClient | nsServer | nsEmail | nsObjSign | nsSSLCA | nsEmailCA | nsObjCA},
		BitLength: 8,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encode cert type: %w", err)
	}

	name := subject.Name()
	notBefore, notAfter := validity(now)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               name,
		Issuer:                name,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature |
			x509.KeyUsageContentCommitment | x509.KeyUsageKeyEncipherment |
			x509.KeyUsageDataEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
			x509.ExtKeyUsageCodeSigning,
			x509.ExtKeyUsageEmailProtection,
			x509.ExtKeyUsageTimeStamping,
		},
		ExtraExtensions: []pkix.Extension{
			{Id: oidNetscapeCertType, Value: nsCertType},
		},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	return key, cert, nil
}

// ParseRootPEM decodes a root certificate and its RSA key. Keys may be PKCS#1
// or PKCS#8.
func ParseRootPEM(certPEM, keyPEM []byte) (*x509.Certificate, *rsa.PrivateKey, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("failed to decode CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("failed to decode CA key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		parsed, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return nil, nil, fmt.Errorf("parse CA key: %w (also tried PKCS8: %v)", err, err2)
		}
		var ok bool
		key, ok = parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, nil, fmt.Errorf("CA key is not RSA")
		}
	}
	return cert, key, nil
}

func encodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func encodeKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}
