package approval_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestApprovalBroker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Approval Broker Suite")
}
