package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/danielpaulus/ptunp/ptunp"
)

// tunnelStatus queries the info api of a running server
func tunnelStatus(apiAddr string) (ptunp.Status, error) {
	c := http.Client{
		Timeout: 5 * time.Second,
	}
	res, err := c.Get(fmt.Sprintf("http://%s/tunnel", apiAddr))
	if err != nil {
		return ptunp.Status{}, fmt.Errorf("tunnelStatus: failed to get tunnel info: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return ptunp.Status{}, fmt.Errorf("tunnelStatus: unexpected status %s", res.Status)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return ptunp.Status{}, fmt.Errorf("tunnelStatus: failed to read body: %w", err)
	}
	var status ptunp.Status
	err = json.Unmarshal(body, &status)
	if err != nil {
		return ptunp.Status{}, fmt.Errorf("tunnelStatus: failed to parse response: %w", err)
	}
	return status, nil
}

func printStatus(apiAddr string) {
	status, err := tunnelStatus(apiAddr)
	exitIfError("failed to get tunnel status", err)
	if !JSONdisabled {
		fmt.Println(convertToJSONString(status))
		return
	}
	fmt.Printf("node:      %s\naddr:      %s\nalpn:      %s\ninterface: %s\nconns:     %d\n", status.NodeID, status.Addr, status.ALPN, status.Interface, status.Connections)
	if status.Session == nil {
		fmt.Println("peer:      none")
		return
	}
	fmt.Printf("peer:      %s (%s) since %s\n", status.Session.RemoteNodeID, status.Session.RemoteAddr, status.Session.Started.Format(time.RFC3339))
}
