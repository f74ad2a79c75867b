// Package allocatortest runs an in-process allocator for tests. Sessions are
// HS256 JWTs so they can be validated without server-side state.
package allocatortest

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/layer-3/compact/adapters/wallet"
	"github.com/layer-3/compact/core"
)

const audience = "allocator:session"

// Balance is a fixture row served from GET /balances
type Balance struct {
	ChainID          string
	LockID           string
	Allocatable      string
	Allocated        string
	WithdrawalStatus int
}

// CompactCall records one POST /compact body
type CompactCall struct {
	ChainID string
	Sponsor string
	Arbiter string
	Expires string
	ID      string
	Amount  string
}

// Server is a fake allocator
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	key        []byte
	signingKey *ecdsa.PrivateKey
	sessionTTL time.Duration
	revoked    map[string]bool
	balances   []Balance
	failures   map[string]int
	calls      map[string]int
	compacts   []CompactCall
	nonce      int64
	// addressOverride, when set, is reported as the session address
	addressOverride string
}

// New starts a fake allocator closed at test cleanup
func New(t testing.TB) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	signingKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s := &Server{
		key:        []byte(uuid.NewString()),
		signingKey: signingKey,
		sessionTTL: time.Hour,
		revoked:    map[string]bool{},
		failures:   map[string]int{},
		calls:      map[string]int{},
	}

	r := gin.New()
	r.Use(s.count(), s.inject())
	r.GET("/health", s.handleHealth)
	r.GET("/session/:chainId/:address", s.handleChallenge)
	r.POST("/session", s.handleCreateSession)
	r.GET("/session", s.authenticated(s.handleGetSession))
	r.DELETE("/session", s.authenticated(s.handleDeleteSession))
	r.POST("/compact", s.authenticated(s.handleCompact))
	r.GET("/balances", s.authenticated(s.handleBalances))

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// SigningAddress is the address of the key that signs allocations
func (s *Server) SigningAddress() common.Address {
	return crypto.PubkeyToAddress(s.signingKey.PublicKey)
}

// SetBalances replaces the /balances fixture
func (s *Server) SetBalances(b ...Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances = append([]Balance(nil), b...)
}

// Fail makes every request to route answer status until cleared with status 0.
// route is "METHOD /path", e.g. "GET /session".
func (s *Server) Fail(route string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, route)
		return
	}
	s.failures[route] = status
}

// SetSessionTTL changes the lifetime of sessions created afterwards
func (s *Server) SetSessionTTL(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionTTL = d
}

// ReportAddress makes GET /session claim a different address
func (s *Server) ReportAddress(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addressOverride = addr
}

// Calls returns how many requests hit route
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// Compacts returns the recorded allocation requests
func (s *Server) Compacts() []CompactCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CompactCall(nil), s.compacts...)
}

// IssueSession mints a session id for addr without the sign-in flow
func (s *Server) IssueSession(addr common.Address, ttl time.Duration) string {
	id, _ := s.mint(addr.Hex(), time.Now().Add(ttl))
	return id
}

func route(c *gin.Context) string {
	return c.Request.Method + " " + c.FullPath()
}

func (s *Server) count() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		s.calls[route(c)]++
		s.mu.Unlock()
		c.Next()
	}
}

func (s *Server) inject() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		status, ok := s.failures[route(c)]
		s.mu.Unlock()
		if ok {
			c.AbortWithStatusJSON(status, gin.H{"error": http.StatusText(status)})
			return
		}
		c.Next()
	}
}

func (s *Server) mint(address string, exp time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   address,
		ID:        uuid.NewString(),
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

func (s *Server) parse(id string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(id, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.key, nil
	}, jwt.WithAudience(audience))
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	revoked := s.revoked[claims.ID]
	s.mu.Unlock()
	if revoked {
		return nil, core.ErrUnauthorized
	}
	return claims, nil
}

func (s *Server) authenticated(next func(*gin.Context, *jwt.RegisteredClaims)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("x-session-id")
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session required"})
			return
		}
		claims, err := s.parse(id)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid session"})
			return
		}
		next(c, claims)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	addr := s.SigningAddress().Hex()
	c.JSON(http.StatusOK, gin.H{
		"status":           "healthy",
		"allocatorAddress": addr,
		"signingAddress":   addr,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"supportedChains": []gin.H{
			{"chainId": "1", "allocatorId": "1", "finalizationThresholdSeconds": 25},
			{"chainId": "10", "allocatorId": "1", "finalizationThresholdSeconds": 10},
		},
	})
}

func (s *Server) handleChallenge(c *gin.Context) {
	chainID, err := strconv.ParseUint(c.Param("chainId"), 10, 64)
	address := c.Param("address")
	if err != nil || !common.IsHexAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chain or address"})
		return
	}
	now := time.Now().UTC()
	c.JSON(http.StatusOK, gin.H{"session": gin.H{
		"domain":         "allocator.test",
		"address":        common.HexToAddress(address).Hex(),
		"uri":            "http://allocator.test",
		"statement":      "Sign in to the allocator",
		"version":        "1",
		"chainId":        chainID,
		"nonce":          strings.ReplaceAll(uuid.NewString(), "-", ""),
		"issuedAt":       now.Format(time.RFC3339),
		"expirationTime": now.Add(time.Hour).Format(time.RFC3339),
	}})
}

type payload struct {
	Domain         string `json:"domain"`
	Address        string `json:"address"`
	URI            string `json:"uri"`
	Statement      string `json:"statement"`
	Version        string `json:"version"`
	ChainID        uint64 `json:"chainId"`
	Nonce          string `json:"nonce"`
	IssuedAt       string `json:"issuedAt"`
	ExpirationTime string `json:"expirationTime"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req struct {
		Signature string  `json:"signature" binding:"required"`
		Payload   payload `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	msg := core.Challenge{
		Domain:         req.Payload.Domain,
		Address:        req.Payload.Address,
		URI:            req.Payload.URI,
		Statement:      req.Payload.Statement,
		Version:        req.Payload.Version,
		ChainID:        req.Payload.ChainID,
		Nonce:          req.Payload.Nonce,
		IssuedAt:       req.Payload.IssuedAt,
		ExpirationTime: req.Payload.ExpirationTime,
	}.Message()
	signer, err := wallet.RecoverAddress(msg, req.Signature)
	if err != nil || signer != common.HexToAddress(req.Payload.Address) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	s.mu.Lock()
	ttl := s.sessionTTL
	s.mu.Unlock()
	exp := time.Now().Add(ttl)
	id, err := s.mint(signer.Hex(), exp)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": gin.H{
		"id":        id,
		"address":   signer.Hex(),
		"expiresAt": exp.UTC().Format(time.RFC3339Nano),
	}})
}

func (s *Server) handleGetSession(c *gin.Context, claims *jwt.RegisteredClaims) {
	s.mu.Lock()
	addr := claims.Subject
	if s.addressOverride != "" {
		addr = s.addressOverride
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"session": gin.H{
		"id":        c.GetHeader("x-session-id"),
		"address":   addr,
		"expiresAt": claims.ExpiresAt.Time.UTC().Format(time.RFC3339Nano),
	}})
}

func (s *Server) handleDeleteSession(c *gin.Context, claims *jwt.RegisteredClaims) {
	s.mu.Lock()
	s.revoked[claims.ID] = true
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleBalances(c *gin.Context, _ *jwt.RegisteredClaims) {
	s.mu.Lock()
	rows := make([]gin.H, 0, len(s.balances))
	for _, b := range s.balances {
		rows = append(rows, gin.H{
			"chainId":                    b.ChainID,
			"lockId":                     b.LockID,
			"allocatableBalance":         b.Allocatable,
			"allocatedBalance":           b.Allocated,
			"balanceAvailableToAllocate": "0",
			"withdrawalStatus":           b.WithdrawalStatus,
		})
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"balances": rows})
}

func (s *Server) handleCompact(c *gin.Context, claims *jwt.RegisteredClaims) {
	var req struct {
		ChainID string `json:"chainId" binding:"required"`
		Compact struct {
			Arbiter string `json:"arbiter"`
			Sponsor string `json:"sponsor"`
			Expires string `json:"expires"`
			ID      string `json:"id"`
			Amount  string `json:"amount"`
		} `json:"compact"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if common.HexToAddress(req.Compact.Sponsor) != common.HexToAddress(claims.Subject) {
		c.JSON(http.StatusForbidden, gin.H{"error": "sponsor does not match session"})
		return
	}

	s.mu.Lock()
	s.nonce++
	counter := s.nonce
	s.compacts = append(s.compacts, CompactCall{
		ChainID: req.ChainID,
		Sponsor: req.Compact.Sponsor,
		Arbiter: req.Compact.Arbiter,
		Expires: req.Compact.Expires,
		ID:      req.Compact.ID,
		Amount:  req.Compact.Amount,
	})
	s.mu.Unlock()

	// nonce = sponsor (20 bytes) || counter (12 bytes)
	nonce := new(big.Int).Lsh(new(big.Int).SetBytes(common.HexToAddress(req.Compact.Sponsor).Bytes()), 96)
	nonce.Or(nonce, big.NewInt(counter))

	hash := crypto.Keccak256Hash([]byte(req.ChainID), []byte(req.Compact.Sponsor), []byte(req.Compact.ID),
		[]byte(req.Compact.Amount), []byte(req.Compact.Expires), nonce.Bytes())
	sig, err := crypto.Sign(hash.Bytes(), s.signingKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"hash":      hash.Hex(),
		"signature": hexutil.Encode(sig),
		"nonce":     nonce.String(),
	})
}
