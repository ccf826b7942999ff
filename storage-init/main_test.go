package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

func TestAlreadyExists(t *testing.T) {
	tableErr := &azcore.ResponseError{ErrorCode: string(aztables.TableAlreadyExists), StatusCode: 409}
	if !alreadyExists(fmt.Errorf("create: %w", tableErr), string(aztables.TableAlreadyExists)) {
		t.Fatalf("wrapped TableAlreadyExists should be tolerated")
	}
	if alreadyExists(tableErr, "QueueAlreadyExists") {
		t.Fatalf("codes must match exactly")
	}
	if alreadyExists(errors.New("boom"), "QueueAlreadyExists") {
		t.Fatalf("plain errors are not conflicts")
	}
}
