package main

import (
	"fmt"

	awssession "github.com/aws/aws-sdk-go/aws/session"
)

// newAWSSession builds an AWS SDK session from the default credential
// and config chain, overriding the region when one is given.
func newAWSSession(region string) (*awssession.Session, error) {
	sess, err := awssession.NewSessionWithOptions(awssession.Options{SharedConfigState: awssession.SharedConfigEnable})
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	if region != "" {
		r := region
		sess = sess.Copy(&sess.Config)
		sess.Config.Region = &r
	}
	return sess, nil
}
