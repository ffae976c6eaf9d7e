package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/routing"
)

type fakeSender struct {
	customer string
	req      routing.OutboundRequest
	err      error
}

func (f *fakeSender) SendToCustomer(_ context.Context, customerID string, req routing.OutboundRequest) (*models.Message, error) {
	f.customer, f.req = customerID, req
	if f.err != nil {
		return nil, f.err
	}
	return &models.Message{ID: 9, Text: req.Text, State: models.StateDelivered}, nil
}

func TestRunSend(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    string
		wantErr bool
	}{
		{"sent", nil, "Message 9 sent to customer cust-1 (delivered)", false},
		{"no channel", routing.ErrNoEligibleChannel, "No platform available for customer cust-1", false},
		{"no adapter", routing.ErrNoAdapter, "No platform available", false},
		{"other error", errors.New("boom"), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{}
			buf := new(bytes.Buffer)
			cmd.SetOut(buf)
			s := &fakeSender{err: tt.err}

			err := runSend(context.Background(), cmd, s, "cust-1", routing.OutboundRequest{Text: "hi", Tag: "POST_PURCHASE_UPDATE"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output = %q, want %q", buf.String(), tt.want)
			}
			if s.customer != "cust-1" || s.req.Tag != "POST_PURCHASE_UPDATE" {
				t.Errorf("sender got %q %+v", s.customer, s.req)
			}
		})
	}
}

func TestSendCmd_RequiresFlags(t *testing.T) {
	cfgPath := writeSQLiteConfig(t, "")
	_, err := runCmd(t, "send", "--customer", "cust-1", "--config", cfgPath)
	if err == nil || !strings.Contains(err.Error(), "text") {
		t.Errorf("err = %v, want missing text flag", err)
	}
}

func TestSendCmd_UnknownCustomer(t *testing.T) {
	cfgPath := seededConfig(t)
	_, err := runCmd(t, "send", "--customer", "nobody", "--text", "hi", "--config", cfgPath)
	if err == nil {
		t.Fatal("expected error for an unknown customer")
	}
}
