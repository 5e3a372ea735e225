// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ec2

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"git.arvados.org/resourcebroker.git/lib/cloud"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/sirupsen/logrus"
)

// Driver is the ec2 implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newEC2Provider)

const (
	tagKeyResourceID = "resource-broker-id"
	throttleDelayMin = time.Second
	throttleDelayMax = time.Minute
)

type ec2ProviderConfig struct {
	AccessKeyID      string
	SecretAccessKey  string
	Region           string
	SecurityGroupIDs []string
	SubnetID         sliceOrSingleString
	AdminUsername    string
	KeyPairName      string

	// AvailabilityZone for new volumes (default: Region + "a").
	AvailabilityZone string

	// VolumeType of new OS disks (default gp3).
	VolumeType string
}

type sliceOrSingleString []string

// UnmarshalJSON unmarshals an array of strings, and also accepts ""
// as [], and "foo" as ["foo"].
func (ss *sliceOrSingleString) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		*ss = nil
	} else if data[0] == '[' {
		var slice []string
		err := json.Unmarshal(data, &slice)
		if err != nil {
			return err
		}
		if len(slice) == 0 {
			*ss = nil
		} else {
			*ss = slice
		}
	} else {
		var str string
		err := json.Unmarshal(data, &str)
		if err != nil {
			return err
		}
		if str == "" {
			*ss = nil
		} else {
			*ss = []string{str}
		}
	}
	return nil
}

type ec2Interface interface {
	RunInstancesWithContext(aws.Context, *ec2.RunInstancesInput, ...request.Option) (*ec2.Reservation, error)
	TerminateInstancesWithContext(aws.Context, *ec2.TerminateInstancesInput, ...request.Option) (*ec2.TerminateInstancesOutput, error)
	StartInstancesWithContext(aws.Context, *ec2.StartInstancesInput, ...request.Option) (*ec2.StartInstancesOutput, error)
	StopInstancesWithContext(aws.Context, *ec2.StopInstancesInput, ...request.Option) (*ec2.StopInstancesOutput, error)
	CreateVolumeWithContext(aws.Context, *ec2.CreateVolumeInput, ...request.Option) (*ec2.Volume, error)
	DescribeVolumesWithContext(aws.Context, *ec2.DescribeVolumesInput, ...request.Option) (*ec2.DescribeVolumesOutput, error)
	DeleteVolumeWithContext(aws.Context, *ec2.DeleteVolumeInput, ...request.Option) (*ec2.DeleteVolumeOutput, error)
	CreateSnapshotWithContext(aws.Context, *ec2.CreateSnapshotInput, ...request.Option) (*ec2.Snapshot, error)
	DeleteSnapshotWithContext(aws.Context, *ec2.DeleteSnapshotInput, ...request.Option) (*ec2.DeleteSnapshotOutput, error)
}

type ec2Provider struct {
	ec2config     ec2ProviderConfig
	logger        logrus.FieldLogger
	client        ec2Interface
	throttleDelay atomic.Value

	// round-robin subnet selection
	nextSubnet int64
}

func newEC2Provider(config json.RawMessage, logger logrus.FieldLogger) (cloud.Provider, error) {
	prv := &ec2Provider{logger: logger}
	err := json.Unmarshal(config, &prv.ec2config)
	if err != nil {
		return nil, err
	}
	if prv.ec2config.AvailabilityZone == "" {
		prv.ec2config.AvailabilityZone = prv.ec2config.Region + "a"
	}
	if prv.ec2config.VolumeType == "" {
		prv.ec2config.VolumeType = "gp3"
	}
	awsConfig := aws.NewConfig().WithRegion(prv.ec2config.Region)
	if prv.ec2config.AccessKeyID != "" {
		awsConfig.WithCredentials(credentials.NewStaticCredentials(
			prv.ec2config.AccessKeyID,
			prv.ec2config.SecretAccessKey,
			""))
	}
	prv.client = ec2.New(session.Must(session.NewSession(awsConfig)))
	return prv, nil
}

func (prv *ec2Provider) tags(spec cloud.CreateSpec) []*ec2.Tag {
	ec2tags := []*ec2.Tag{{
		Key:   aws.String(tagKeyResourceID),
		Value: aws.String(spec.Name),
	}}
	for k, v := range spec.Tags {
		ec2tags = append(ec2tags, &ec2.Tag{
			Key:   aws.String(k),
			Value: aws.String(v),
		})
	}
	return ec2tags
}

func (prv *ec2Provider) subnet(spec cloud.CreateSpec) *string {
	if spec.SubnetID != "" {
		return aws.String(spec.SubnetID)
	}
	if len(prv.ec2config.SubnetID) == 0 {
		return nil
	}
	n := atomic.AddInt64(&prv.nextSubnet, 1) - 1
	return aws.String(prv.ec2config.SubnetID[int(n%int64(len(prv.ec2config.SubnetID)))])
}

func (prv *ec2Provider) Create(ctx context.Context, spec cloud.CreateSpec) (string, error) {
	switch spec.Type {
	case resource.TypeComputeVM:
		return prv.createInstance(ctx, spec)
	case resource.TypeOSDisk:
		return prv.createVolume(ctx, spec, spec.ImageName)
	}
	return "", &resource.ProviderError{
		Kind: resource.ProviderInvalidData,
		Op:   "Create",
		Err:  fmt.Errorf("ec2 driver cannot create %s resources: %w", spec.Type, cloud.ErrNotImplemented),
	}
}

func (prv *ec2Provider) createInstance(ctx context.Context, spec cloud.CreateSpec) (string, error) {
	if spec.OSDisk != "" {
		// EC2 cannot launch an instance from an existing
		// root volume.
		return "", &resource.ProviderError{
			Kind: resource.ProviderInvalidData,
			Op:   "Create",
			Err:  fmt.Errorf("ec2 driver cannot boot from existing volume %s: %w", spec.OSDisk, cloud.ErrNotImplemented),
		}
	}
	rii := ec2.RunInstancesInput{
		ImageId:      aws.String(spec.ImageName),
		InstanceType: aws.String(spec.SkuName),
		MaxCount:     aws.Int64(1),
		MinCount:     aws.Int64(1),
		// Idempotent retries of the same resource id return
		// the instance made by the first attempt.
		ClientToken: aws.String(spec.Name),

		NetworkInterfaces: []*ec2.InstanceNetworkInterfaceSpecification{
			{
				AssociatePublicIpAddress: aws.Bool(false),
				DeleteOnTermination:      aws.Bool(true),
				DeviceIndex:              aws.Int64(0),
				Groups:                   aws.StringSlice(prv.ec2config.SecurityGroupIDs),
				SubnetId:                 prv.subnet(spec),
			}},
		DisableApiTermination:             aws.Bool(false),
		InstanceInitiatedShutdownBehavior: aws.String("stop"),
		TagSpecifications: []*ec2.TagSpecification{
			{
				ResourceType: aws.String("instance"),
				Tags:         prv.tags(spec),
			}},
	}
	if prv.ec2config.KeyPairName != "" {
		rii.KeyName = aws.String(prv.ec2config.KeyPairName)
	}
	rsv, err := prv.client.RunInstancesWithContext(ctx, &rii)
	err = prv.wrapError(err)
	if err != nil {
		return "", err
	}
	if len(rsv.Instances) == 0 || rsv.Instances[0].InstanceId == nil {
		return "", &resource.ProviderError{Kind: resource.ProviderProcessingFailed, Op: "RunInstances"}
	}
	return *rsv.Instances[0].InstanceId, nil
}

// createVolume creates an EBS volume from a snapshot. For OS disks
// created from an image, ImageName is the id of the image's root
// snapshot.
func (prv *ec2Provider) createVolume(ctx context.Context, spec cloud.CreateSpec, snapshotID string) (string, error) {
	cvi := &ec2.CreateVolumeInput{
		AvailabilityZone: aws.String(prv.ec2config.AvailabilityZone),
		SnapshotId:       aws.String(snapshotID),
		VolumeType:       aws.String(prv.ec2config.VolumeType),
		TagSpecifications: []*ec2.TagSpecification{{
			ResourceType: aws.String("volume"),
			Tags:         prv.tags(spec),
		}},
	}
	vol, err := prv.client.CreateVolumeWithContext(ctx, cvi)
	err = prv.wrapError(err)
	if err != nil {
		return "", err
	}
	return aws.StringValue(vol.VolumeId), nil
}

func (prv *ec2Provider) Delete(ctx context.Context, typ resource.Type, providerID string) error {
	var err error
	switch typ {
	case resource.TypeComputeVM:
		_, err = prv.client.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: []*string{aws.String(providerID)},
		})
	case resource.TypeOSDisk:
		_, err = prv.client.DeleteVolumeWithContext(ctx, &ec2.DeleteVolumeInput{
			VolumeId: aws.String(providerID),
		})
	case resource.TypeSnapshot:
		_, err = prv.client.DeleteSnapshotWithContext(ctx, &ec2.DeleteSnapshotInput{
			SnapshotId: aws.String(providerID),
		})
	default:
		return &resource.ProviderError{
			Kind: resource.ProviderInvalidData,
			Op:   "Delete",
			Err:  fmt.Errorf("ec2 driver cannot delete %s resources: %w", typ, cloud.ErrNotImplemented),
		}
	}
	err = prv.wrapError(err)
	if resource.ProviderErrorKindOf(err) == resource.ProviderNotFound {
		return nil
	}
	return err
}

func (prv *ec2Provider) Start(ctx context.Context, providerID string) error {
	_, err := prv.client.StartInstancesWithContext(ctx, &ec2.StartInstancesInput{
		InstanceIds: []*string{aws.String(providerID)},
	})
	return prv.wrapError(err)
}

func (prv *ec2Provider) Deallocate(ctx context.Context, providerID string) error {
	_, err := prv.client.StopInstancesWithContext(ctx, &ec2.StopInstancesInput{
		InstanceIds: []*string{aws.String(providerID)},
	})
	return prv.wrapError(err)
}

func (prv *ec2Provider) IsDetached(ctx context.Context, diskID string) (bool, error) {
	dvo, err := prv.client.DescribeVolumesWithContext(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: []*string{aws.String(diskID)},
	})
	err = prv.wrapError(err)
	if err != nil {
		return false, err
	}
	if len(dvo.Volumes) == 0 {
		return false, &resource.ProviderError{Kind: resource.ProviderNotFound, Op: "DescribeVolumes"}
	}
	vol := dvo.Volumes[0]
	for _, att := range vol.Attachments {
		if state := aws.StringValue(att.State); state != ec2.VolumeAttachmentStateDetached {
			return false, nil
		}
	}
	return aws.StringValue(vol.State) == ec2.VolumeStateAvailable, nil
}

func (prv *ec2Provider) SnapshotDisk(ctx context.Context, diskID string, spec cloud.CreateSpec) (string, error) {
	snap, err := prv.client.CreateSnapshotWithContext(ctx, &ec2.CreateSnapshotInput{
		VolumeId:    aws.String(diskID),
		Description: aws.String("snapshot of " + diskID + " for " + spec.Name),
		TagSpecifications: []*ec2.TagSpecification{{
			ResourceType: aws.String("snapshot"),
			Tags:         prv.tags(spec),
		}},
	})
	err = prv.wrapError(err)
	if err != nil {
		return "", err
	}
	return aws.StringValue(snap.SnapshotId), nil
}

func (prv *ec2Provider) DiskFromSnapshot(ctx context.Context, snapshotID string, spec cloud.CreateSpec) (string, error) {
	return prv.createVolume(ctx, spec, snapshotID)
}

func (prv *ec2Provider) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	return prv.Delete(ctx, resource.TypeSnapshot, snapshotID)
}

func (prv *ec2Provider) Stop() {
}

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (err rateLimitError) EarliestRetry() time.Time {
	return err.earliestRetry
}

type capacityError struct {
	error
}

func (er *capacityError) IsQuotaError() bool {
	return true
}

var isCodeQuota = map[string]bool{
	"InstanceLimitExceeded":             true,
	"InsufficientAddressCapacity":       true,
	"InsufficientFreeAddressesInSubnet": true,
	"InsufficientVolumeCapacity":        true,
	"MaxSpotInstanceCountExceeded":      true,
	"VcpuLimitExceeded":                 true,
	"VolumeLimitExceeded":               true,
	"SnapshotLimitExceeded":             true,
	"InsufficientInstanceCapacity":      true,
}

var isCodeNotFound = map[string]bool{
	"InvalidInstanceID.NotFound": true,
	"InvalidVolume.NotFound":     true,
	"InvalidSnapshot.NotFound":   true,
	"InvalidAMIID.NotFound":      true,
}

func (prv *ec2Provider) wrapError(err error) error {
	if err == nil {
		return nil
	}
	aerr, ok := err.(awserr.Error)
	if !ok {
		return err
	}
	code := aerr.Code()
	switch {
	case code == "RequestLimitExceeded":
		var d time.Duration
		if v, ok := prv.throttleDelay.Load().(time.Duration); ok && v > 0 {
			d = v * 2
		} else {
			d = throttleDelayMin
		}
		if d > throttleDelayMax {
			d = throttleDelayMax
		}
		prv.throttleDelay.Store(d)
		return rateLimitError{error: err, earliestRetry: time.Now().Add(d)}
	case isCodeQuota[code]:
		return &capacityError{err}
	case isCodeNotFound[code]:
		return &resource.ProviderError{Kind: resource.ProviderNotFound, Op: code, Err: err}
	case code == "IncorrectState" || code == "IncorrectInstanceState" || code == "VolumeInUse":
		return &resource.ProviderError{Kind: resource.ProviderProcessingFailed, Op: code, Err: err}
	case code == "InvalidParameterValue" || code == "InvalidParameterCombination" || code == "MissingParameter":
		return &resource.ProviderError{Kind: resource.ProviderInvalidData, Op: code, Err: err}
	}
	prv.throttleDelay.Store(time.Duration(0))
	return err
}
