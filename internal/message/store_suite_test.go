package message_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestMessageStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Message Store Suite")
}
