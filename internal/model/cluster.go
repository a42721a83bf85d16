package model

import (
	"net"
	"strconv"
)

const (
	DefaultPort  = 8006
	DefaultRealm = "pam"
)

// ClusterConfig holds the connection settings of one configured cluster.
type ClusterConfig struct {
	Host        string `json:"host" yaml:"host"`
	Port        int    `json:"port" yaml:"port"`
	Username    string `json:"username" yaml:"username"`
	Realm       string `json:"realm" yaml:"realm"`
	Password    string `json:"-" yaml:"password"`
	TokenID     string `json:"token_id,omitempty" yaml:"token_id"`
	TokenSecret string `json:"-" yaml:"token_secret"`
	VerifySSL   bool   `json:"verify_ssl" yaml:"verify_ssl"`
}

// UserID is the login name in user@realm form.
func (c ClusterConfig) UserID() string {
	realm := c.Realm
	if realm == "" {
		realm = DefaultRealm
	}
	return c.Username + "@" + realm
}

func (c ClusterConfig) UsesToken() bool {
	return c.TokenID != "" && c.TokenSecret != ""
}

// Address is host:port, defaulting the port to 8006.
func (c ClusterConfig) Address() string {
	port := c.Port
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}
