package ibgw

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Protocol version bounds and the StartAPI message type, announced in
// the handshake (§6, "Handshake constants").
const (
	minClientVersion = 100
	maxClientVersion = 178
	minServerVersion = 100

	msgStartAPI = "71"
	msgRedirect = "cd" // REDIRECT sentinel used by some gateways in place of a version frame
)

// SessionInfo is produced by the handshake and is immutable for the
// life of a connection.
type SessionInfo struct {
	ServerVersion   int
	ConnectionTime  string
	ManagedAccounts string
	NextOrderID     int
}

// doHandshake drives the one-shot synchronous exchange described in
// §4.2, directly over fr, before the router starts. conn's deadline is
// set to timeout from the wall clock for the duration of the exchange
// and cleared before returning, so a gateway that accepts the TCP
// connection but never answers fails with KindHandshake instead of
// blocking forever. Any frame observed while waiting for
// ManagedAccounts/NextValidID that is neither of those is returned in
// buffered so the caller can replay it to the router once running (§9,
// "connection-startup buffering").
func doHandshake(fr *framer, conn net.Conn, clientID int, timeout time.Duration, log *zap.Logger) (SessionInfo, []Frame, error) {
	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return SessionInfo{}, nil, newErr(KindHandshake, "set handshake deadline", err)
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := fr.w.Write([]byte("API\x00")); err != nil {
		return SessionInfo{}, nil, newErr(KindIO, "write API tag", err)
	}
	versionRange := fmt.Sprintf("v%d..%d", minClientVersion, maxClientVersion)
	if err := fr.writeFrame([]string{versionRange}); err != nil {
		return SessionInfo{}, nil, newErr(KindHandshake, "write version range", err)
	}

	verFrame, err := fr.readFrame()
	if err != nil {
		return SessionInfo{}, nil, newErr(KindHandshake, "read server version", err)
	}
	if len(verFrame) < 2 {
		return SessionInfo{}, nil, newErr(KindHandshake, "malformed version frame", nil)
	}
	serverVersion, err := strconv.Atoi(verFrame[0])
	if err != nil {
		return SessionInfo{}, nil, newErr(KindHandshake, "parse server version", err)
	}
	if serverVersion < minServerVersion {
		return SessionInfo{}, nil, newErr(KindUnsupportedServerVersion,
			fmt.Sprintf("server_version %d below minimum %d", serverVersion, minServerVersion), nil)
	}
	connectionTime := verFrame[1]

	if err := fr.writeFrame([]string{msgStartAPI, "2", strconv.Itoa(clientID), ""}); err != nil {
		return SessionInfo{}, nil, newErr(KindHandshake, "write StartApi", err)
	}

	info := SessionInfo{ServerVersion: serverVersion, ConnectionTime: connectionTime}
	var buffered []Frame
	haveAccounts, haveNextID := false, false

	for !haveAccounts || !haveNextID {
		f, err := fr.readFrame()
		if err != nil {
			return SessionInfo{}, nil, newErr(KindHandshake, "read handshake frame", err)
		}

		switch f.Type() {
		case "15": // ManagedAccounts
			if len(f) >= 2 {
				info.ManagedAccounts = f[len(f)-1]
			}
			haveAccounts = true
		case "9": // NextValidId
			if len(f) >= 2 {
				id, err := strconv.Atoi(f[len(f)-1])
				if err != nil {
					return SessionInfo{}, nil, newErr(KindHandshake, "parse next valid id", err)
				}
				info.NextOrderID = id
			}
			haveNextID = true
		default:
			if log != nil {
				log.Debug("buffering out-of-order handshake frame", zap.String("type", f.Type()))
			}
			buffered = append(buffered, f)
		}
	}

	return info, buffered, nil
}
