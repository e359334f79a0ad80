package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/chihaya/unit3d/bittorrent"
	"github.com/chihaya/unit3d/pkg/log"
	"github.com/chihaya/unit3d/storage"
)

// ResponseFunc is the type of function that handles an API request and returns
// an HTTP status code, an optional response to be embedded and an error.
type ResponseFunc func(http.ResponseWriter, *http.Request, httprouter.Params) (status int, result interface{}, err error)

// NoResultResponseFunc is the type of function that handles an API request and
// returns an HTTP status code and an error.
type NoResultResponseFunc func(http.ResponseWriter, *http.Request, httprouter.Params) (status int, err error)

// Errors returned by the API.
var (
	ErrInternalServerError = bittorrent.ClientError("internal server error")
	ErrInvalidAPIKey       = bittorrent.ClientError("invalid API key")
	ErrInvalidUserID       = bittorrent.ClientError("invalid user ID")
	ErrInvalidTorrentID    = bittorrent.ClientError("invalid torrent ID")
	ErrInvalidPeer         = bittorrent.ClientError("invalid peer")
	ErrInvalidIP           = bittorrent.ClientError("invalid IP")
	ErrPeerNotFound        = bittorrent.ClientError("peer not found")
)

type response struct {
	Ok     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

type peer struct {
	TorrentID  uint32    `json:"torrent_id"`
	IP         string    `json:"ip"`
	Port       uint16    `json:"port"`
	Seeder     bool      `json:"seeder"`
	Active     bool      `json:"active"`
	Uploaded   uint64    `json:"uploaded"`
	Downloaded uint64    `json:"downloaded"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type torrentResult struct {
	Seeders  int `json:"seeders"`
	Leechers int `json:"leechers"`
	Inactive int `json:"inactive"`
}

type removedResult struct {
	Removed int `json:"removed"`
}

func (s *Server) makeHandler(inner ResponseFunc) httprouter.Handle {
	inner = authorizationHandler(inner, s.cfg.APIKey)

	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		resp := response{}
		handler := logHandler(recoverHandler(inner))

		status, result, err := handler(w, r, p)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Ok = true
		}
		if result != nil {
			resp.Result = result
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")

		w.WriteHeader(status)

		err = json.NewEncoder(w).Encode(resp)
		if err != nil {
			log.Error("api: unable to send response", log.Err(err))
		}
	}
}

func authorizationHandler(inner ResponseFunc, apiKey string) ResponseFunc {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
		token := getAPIKey(r)
		if apiKey == "" || subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
			return http.StatusForbidden, nil, ErrInvalidAPIKey
		}

		return inner(w, r, p)
	}
}

func getAPIKey(r *http.Request) string {
	token := r.Header.Get("X-API-Key")

	if token == "" {
		token = r.URL.Query().Get("apikey")
	}

	return token
}

func logHandler(inner ResponseFunc) ResponseFunc {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
		before := time.Now()

		status, result, err := inner(w, r, p)
		delta := time.Since(before)
		recordRequest(r.Method, status, delta)

		log.Debug("api: handled request", log.Fields{
			"status":   status,
			"duration": delta,
			"remote":   r.RemoteAddr,
			"method":   r.Method,
			"path":     r.URL.EscapedPath(),
		})

		return status, result, err
	}
}

func recoverHandler(inner ResponseFunc) ResponseFunc {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (status int, result interface{}, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("api: recovered", log.Fields{"panic": rec})
				status = http.StatusInternalServerError
				result = nil
				err = ErrInternalServerError
			}
		}()

		status, result, err = inner(w, r, p)
		return
	}
}

func noResultHandler(inner NoResultResponseFunc) ResponseFunc {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
		status, err := inner(w, r, p)

		return status, nil, err
	}
}

func (s *Server) handleGetPeer(w http.ResponseWriter, r *http.Request, params httprouter.Params) (int, interface{}, error) {
	idx, err := getIndex(params)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}

	p, ok := s.ps.Get(idx)
	if !ok {
		return http.StatusNotFound, nil, ErrPeerNotFound
	}

	return http.StatusOK, encodePeer(p), nil
}

func (s *Server) handlePutPeer(w http.ResponseWriter, r *http.Request, params httprouter.Params) (int, error) {
	idx, err := getIndex(params)
	if err != nil {
		return http.StatusBadRequest, err
	}

	rawPeer := peer{}
	err = json.NewDecoder(r.Body).Decode(&rawPeer)
	if err != nil {
		return http.StatusBadRequest, ErrInvalidPeer
	}

	p, err := decodePeer(idx.UserID, rawPeer)
	if err != nil {
		return http.StatusBadRequest, err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now()
	}

	// The site overrides the state without any transfer to credit.
	kind := storage.Inserted
	if _, updated := s.ps.Put(idx, p); updated {
		kind = storage.Updated
	}
	s.recorder.Record(storage.Change{Kind: kind, Index: idx, Peer: p})

	log.Info("api: put peer", idx, p)
	return http.StatusOK, nil
}

func (s *Server) handleDeletePeer(w http.ResponseWriter, r *http.Request, params httprouter.Params) (int, error) {
	idx, err := getIndex(params)
	if err != nil {
		return http.StatusBadRequest, err
	}

	p, ok := s.ps.Delete(idx)
	if !ok {
		return http.StatusNotFound, ErrPeerNotFound
	}
	s.recorder.Record(storage.Change{Kind: storage.Removed, Index: idx, Peer: p})

	log.Info("api: deleted peer", idx)
	return http.StatusOK, nil
}

func (s *Server) handleGetTorrent(w http.ResponseWriter, r *http.Request, params httprouter.Params) (int, interface{}, error) {
	torrentID, err := getTorrentID(params)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}

	var result torrentResult
	for _, p := range s.ps.PeersForTorrent(torrentID, nil) {
		switch {
		case !p.IsActive:
			result.Inactive++
		case p.IsSeeder:
			result.Seeders++
		default:
			result.Leechers++
		}
	}

	return http.StatusOK, result, nil
}

func (s *Server) handleDeleteTorrent(w http.ResponseWriter, r *http.Request, params httprouter.Params) (int, interface{}, error) {
	torrentID, err := getTorrentID(params)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}

	// The torrent is checked under the lock of each entry, so a peer that
	// moved to another torrent is left alone.
	var result removedResult
	s.ps.Range(func(idx bittorrent.Index, p *bittorrent.Peer) storage.RangeAction {
		if p.TorrentID != torrentID {
			return storage.Keep
		}

		s.recorder.Record(storage.Change{Kind: storage.Removed, Index: idx, Peer: *p})
		result.Removed++
		return storage.Remove
	})

	log.Info("api: deleted torrent", log.Fields{"torrentID": torrentID, "removed": result.Removed})
	return http.StatusOK, result, nil
}

func getIndex(p httprouter.Params) (bittorrent.Index, error) {
	userID, err := strconv.ParseUint(p.ByName("user_id"), 10, 32)
	if err != nil {
		return bittorrent.Index{}, ErrInvalidUserID
	}

	var peerID bittorrent.PeerID
	raw := p.ByName("peer_id")
	switch len(raw) {
	case 40:
		peerID, err = bittorrent.ParsePeerID(raw)
		if err != nil {
			return bittorrent.Index{}, err
		}
	case 20:
		peerID = bittorrent.PeerIDFromString(raw)
	default:
		return bittorrent.Index{}, bittorrent.ErrInvalidPeerID
	}

	return bittorrent.Index{UserID: uint32(userID), PeerID: peerID}, nil
}

func getTorrentID(p httprouter.Params) (uint32, error) {
	torrentID, err := strconv.ParseUint(p.ByName("torrent_id"), 10, 32)
	if err != nil {
		return 0, ErrInvalidTorrentID
	}

	return uint32(torrentID), nil
}

func encodePeer(p bittorrent.Peer) peer {
	return peer{
		TorrentID:  p.TorrentID,
		IP:         p.IP.String(),
		Port:       p.Port,
		Seeder:     p.IsSeeder,
		Active:     p.IsActive,
		Uploaded:   p.Uploaded,
		Downloaded: p.Downloaded,
		UpdatedAt:  p.UpdatedAt,
	}
}

func decodePeer(userID uint32, p peer) (bittorrent.Peer, error) {
	ip, err := netip.ParseAddr(p.IP)
	if err != nil {
		return bittorrent.Peer{}, ErrInvalidIP
	}

	if p.TorrentID == 0 || p.Port == 0 {
		return bittorrent.Peer{}, ErrInvalidPeer
	}

	return bittorrent.Peer{
		IP:         ip.Unmap(),
		UserID:     userID,
		TorrentID:  p.TorrentID,
		Port:       p.Port,
		IsSeeder:   p.Seeder,
		IsActive:   p.Active,
		UpdatedAt:  p.UpdatedAt,
		Uploaded:   p.Uploaded,
		Downloaded: p.Downloaded,
	}, nil
}
