// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"git.arvados.org/resourcebroker.git/lib/cloud"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/Azure/azure-sdk-for-go/services/compute/mgmt/2019-07-01/compute"
	"github.com/Azure/azure-sdk-for-go/services/network/mgmt/2018-06-01/network"
	storageacct "github.com/Azure/azure-sdk-for-go/services/storage/mgmt/2018-02-01/storage"
	"github.com/Azure/go-autorest/autorest"
	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/Azure/go-autorest/autorest/azure/auth"
	"github.com/Azure/go-autorest/autorest/to"
	"github.com/jmcvetta/randutil"
	"github.com/sirupsen/logrus"
)

// Driver is the azure implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newAzureProvider)

type azureProviderConfig struct {
	SubscriptionID                 string
	ClientID                       string
	ClientSecret                   string
	TenantID                       string
	CloudEnvironment               string
	ResourceGroup                  string
	ImageResourceGroup             string
	Network                        string
	NetworkResourceGroup           string
	Subnet                         string
	SharedImageGalleryName         string
	SharedImageGalleryImageVersion string
	AdminUsername                  string
	AdminPassword                  string

	// DiskSku is the storage account type of managed disks
	// (default Premium_LRS).
	DiskSku string
}

type virtualMachinesClientWrapper interface {
	createOrUpdate(ctx context.Context, resourceGroupName string, VMName string, parameters compute.VirtualMachine) (compute.VirtualMachine, error)
	get(ctx context.Context, resourceGroupName string, VMName string) (compute.VirtualMachine, error)
	delete(ctx context.Context, resourceGroupName string, VMName string) error
	start(ctx context.Context, resourceGroupName string, VMName string) error
	deallocate(ctx context.Context, resourceGroupName string, VMName string) error
}

type virtualMachinesClientImpl struct {
	inner compute.VirtualMachinesClient
}

func (cl *virtualMachinesClientImpl) createOrUpdate(ctx context.Context, resourceGroupName string, VMName string, parameters compute.VirtualMachine) (compute.VirtualMachine, error) {
	future, err := cl.inner.CreateOrUpdate(ctx, resourceGroupName, VMName, parameters)
	if err != nil {
		return compute.VirtualMachine{}, wrapAzureError(err)
	}
	future.WaitForCompletionRef(ctx, cl.inner.Client)
	r, err := future.Result(cl.inner)
	return r, wrapAzureError(err)
}

func (cl *virtualMachinesClientImpl) get(ctx context.Context, resourceGroupName string, VMName string) (compute.VirtualMachine, error) {
	r, err := cl.inner.Get(ctx, resourceGroupName, VMName, "")
	return r, wrapAzureError(err)
}

func (cl *virtualMachinesClientImpl) delete(ctx context.Context, resourceGroupName string, VMName string) error {
	future, err := cl.inner.Delete(ctx, resourceGroupName, VMName)
	if err != nil {
		return wrapAzureError(err)
	}
	return wrapAzureError(future.WaitForCompletionRef(ctx, cl.inner.Client))
}

func (cl *virtualMachinesClientImpl) start(ctx context.Context, resourceGroupName string, VMName string) error {
	future, err := cl.inner.Start(ctx, resourceGroupName, VMName)
	if err != nil {
		return wrapAzureError(err)
	}
	return wrapAzureError(future.WaitForCompletionRef(ctx, cl.inner.Client))
}

func (cl *virtualMachinesClientImpl) deallocate(ctx context.Context, resourceGroupName string, VMName string) error {
	future, err := cl.inner.Deallocate(ctx, resourceGroupName, VMName)
	if err != nil {
		return wrapAzureError(err)
	}
	return wrapAzureError(future.WaitForCompletionRef(ctx, cl.inner.Client))
}

type interfacesClientWrapper interface {
	createOrUpdate(ctx context.Context, resourceGroupName string, networkInterfaceName string, parameters network.Interface) (network.Interface, error)
	delete(ctx context.Context, resourceGroupName string, networkInterfaceName string) error
}

type interfacesClientImpl struct {
	inner network.InterfacesClient
}

func (cl *interfacesClientImpl) createOrUpdate(ctx context.Context, resourceGroupName string, networkInterfaceName string, parameters network.Interface) (network.Interface, error) {
	future, err := cl.inner.CreateOrUpdate(ctx, resourceGroupName, networkInterfaceName, parameters)
	if err != nil {
		return network.Interface{}, wrapAzureError(err)
	}
	future.WaitForCompletionRef(ctx, cl.inner.Client)
	r, err := future.Result(cl.inner)
	return r, wrapAzureError(err)
}

func (cl *interfacesClientImpl) delete(ctx context.Context, resourceGroupName string, networkInterfaceName string) error {
	future, err := cl.inner.Delete(ctx, resourceGroupName, networkInterfaceName)
	if err != nil {
		return wrapAzureError(err)
	}
	return wrapAzureError(future.WaitForCompletionRef(ctx, cl.inner.Client))
}

type disksClientWrapper interface {
	createOrUpdate(ctx context.Context, resourceGroupName string, diskName string, disk compute.Disk) (compute.Disk, error)
	get(ctx context.Context, resourceGroupName string, diskName string) (compute.Disk, error)
	delete(ctx context.Context, resourceGroupName string, diskName string) error
}

type disksClientImpl struct {
	inner compute.DisksClient
}

func (cl *disksClientImpl) createOrUpdate(ctx context.Context, resourceGroupName string, diskName string, disk compute.Disk) (compute.Disk, error) {
	future, err := cl.inner.CreateOrUpdate(ctx, resourceGroupName, diskName, disk)
	if err != nil {
		return compute.Disk{}, wrapAzureError(err)
	}
	future.WaitForCompletionRef(ctx, cl.inner.Client)
	r, err := future.Result(cl.inner)
	return r, wrapAzureError(err)
}

func (cl *disksClientImpl) get(ctx context.Context, resourceGroupName string, diskName string) (compute.Disk, error) {
	r, err := cl.inner.Get(ctx, resourceGroupName, diskName)
	return r, wrapAzureError(err)
}

func (cl *disksClientImpl) delete(ctx context.Context, resourceGroupName string, diskName string) error {
	future, err := cl.inner.Delete(ctx, resourceGroupName, diskName)
	if err != nil {
		return wrapAzureError(err)
	}
	return wrapAzureError(future.WaitForCompletionRef(ctx, cl.inner.Client))
}

type snapshotsClientWrapper interface {
	createOrUpdate(ctx context.Context, resourceGroupName string, snapshotName string, snapshot compute.Snapshot) (compute.Snapshot, error)
	delete(ctx context.Context, resourceGroupName string, snapshotName string) error
}

type snapshotsClientImpl struct {
	inner compute.SnapshotsClient
}

func (cl *snapshotsClientImpl) createOrUpdate(ctx context.Context, resourceGroupName string, snapshotName string, snapshot compute.Snapshot) (compute.Snapshot, error) {
	future, err := cl.inner.CreateOrUpdate(ctx, resourceGroupName, snapshotName, snapshot)
	if err != nil {
		return compute.Snapshot{}, wrapAzureError(err)
	}
	future.WaitForCompletionRef(ctx, cl.inner.Client)
	r, err := future.Result(cl.inner)
	return r, wrapAzureError(err)
}

func (cl *snapshotsClientImpl) delete(ctx context.Context, resourceGroupName string, snapshotName string) error {
	future, err := cl.inner.Delete(ctx, resourceGroupName, snapshotName)
	if err != nil {
		return wrapAzureError(err)
	}
	return wrapAzureError(future.WaitForCompletionRef(ctx, cl.inner.Client))
}

type accountsClientWrapper interface {
	create(ctx context.Context, resourceGroupName string, accountName string, parameters storageacct.AccountCreateParameters) error
	delete(ctx context.Context, resourceGroupName string, accountName string) error
}

type accountsClientImpl struct {
	inner storageacct.AccountsClient
}

func (cl *accountsClientImpl) create(ctx context.Context, resourceGroupName string, accountName string, parameters storageacct.AccountCreateParameters) error {
	future, err := cl.inner.Create(ctx, resourceGroupName, accountName, parameters)
	if err != nil {
		return wrapAzureError(err)
	}
	return wrapAzureError(future.WaitForCompletionRef(ctx, cl.inner.Client))
}

func (cl *accountsClientImpl) delete(ctx context.Context, resourceGroupName string, accountName string) error {
	_, err := cl.inner.Delete(ctx, resourceGroupName, accountName)
	return wrapAzureError(err)
}

var quotaRe = regexp.MustCompile(`(?i:exceed|quota|limit)`)

type azureRateLimitError struct {
	azure.RequestError
	firstRetry time.Time
}

func (ar *azureRateLimitError) EarliestRetry() time.Time {
	return ar.firstRetry
}

type azureQuotaError struct {
	azure.RequestError
}

func (ar *azureQuotaError) IsQuotaError() bool {
	return true
}

func wrapAzureError(err error) error {
	de, ok := err.(autorest.DetailedError)
	if !ok {
		return err
	}
	switch de.StatusCode {
	case http.StatusNotFound:
		return &resource.ProviderError{Kind: resource.ProviderNotFound, Op: de.Method, Err: err}
	case http.StatusBadRequest:
		return &resource.ProviderError{Kind: resource.ProviderInvalidData, Op: de.Method, Err: err}
	}
	rq, ok := de.Original.(*azure.RequestError)
	if !ok {
		return err
	}
	if rq.Response == nil {
		return err
	}
	if rq.Response.StatusCode == 429 || len(rq.Response.Header["Retry-After"]) >= 1 {
		// API throttling
		earliestRetry := time.Now().Add(20 * time.Second)
		if ra := rq.Response.Header.Get("Retry-After"); ra != "" {
			if t, parseErr := http.ParseTime(ra); parseErr == nil {
				earliestRetry = t
			} else if dur, parseErr := strconv.ParseInt(ra, 10, 64); parseErr == nil {
				// Not a timestamp, must be number of seconds
				earliestRetry = time.Now().Add(time.Duration(dur) * time.Second)
			}
		}
		return &azureRateLimitError{*rq, earliestRetry}
	}
	if rq.ServiceError == nil {
		return err
	}
	if quotaRe.FindString(rq.ServiceError.Code) != "" || quotaRe.FindString(rq.ServiceError.Message) != "" {
		return &azureQuotaError{*rq}
	}
	return err
}

func isNotFound(err error) bool {
	return resource.ProviderErrorKindOf(err) == resource.ProviderNotFound
}

type azureProvider struct {
	azconfig           azureProviderConfig
	vmClient           virtualMachinesClientWrapper
	netClient          interfacesClientWrapper
	disksClient        disksClientWrapper
	snapshotsClient    snapshotsClientWrapper
	accountsClient     accountsClientWrapper
	imageResourceGroup string
	azureEnv           azure.Environment
	logger             logrus.FieldLogger
}

func newAzureProvider(config json.RawMessage, logger logrus.FieldLogger) (cloud.Provider, error) {
	azcfg := azureProviderConfig{}
	err := json.Unmarshal(config, &azcfg)
	if err != nil {
		return nil, err
	}
	az := azureProvider{logger: logger}
	err = az.setup(azcfg)
	if err != nil {
		return nil, err
	}
	return &az, nil
}

func (az *azureProvider) setup(azcfg azureProviderConfig) (err error) {
	az.azconfig = azcfg
	if az.azconfig.DiskSku == "" {
		az.azconfig.DiskSku = string(compute.PremiumLRS)
	}
	vmClient := compute.NewVirtualMachinesClient(az.azconfig.SubscriptionID)
	netClient := network.NewInterfacesClient(az.azconfig.SubscriptionID)
	disksClient := compute.NewDisksClient(az.azconfig.SubscriptionID)
	snapshotsClient := compute.NewSnapshotsClient(az.azconfig.SubscriptionID)
	accountsClient := storageacct.NewAccountsClient(az.azconfig.SubscriptionID)

	az.azureEnv, err = azure.EnvironmentFromName(az.azconfig.CloudEnvironment)
	if err != nil {
		return err
	}

	authorizer, err := auth.ClientCredentialsConfig{
		ClientID:     az.azconfig.ClientID,
		ClientSecret: az.azconfig.ClientSecret,
		TenantID:     az.azconfig.TenantID,
		Resource:     az.azureEnv.ResourceManagerEndpoint,
		AADEndpoint:  az.azureEnv.ActiveDirectoryEndpoint,
	}.Authorizer()
	if err != nil {
		return err
	}

	vmClient.Authorizer = authorizer
	netClient.Authorizer = authorizer
	disksClient.Authorizer = authorizer
	snapshotsClient.Authorizer = authorizer
	accountsClient.Authorizer = authorizer

	az.vmClient = &virtualMachinesClientImpl{vmClient}
	az.netClient = &interfacesClientImpl{netClient}
	az.disksClient = &disksClientImpl{disksClient}
	az.snapshotsClient = &snapshotsClientImpl{snapshotsClient}
	az.accountsClient = &accountsClientImpl{accountsClient}

	az.imageResourceGroup = az.azconfig.ImageResourceGroup
	if az.imageResourceGroup == "" {
		az.imageResourceGroup = az.azconfig.ResourceGroup
	}
	return nil
}

func (az *azureProvider) resourceID(kind, name string) string {
	return "/subscriptions/" + az.azconfig.SubscriptionID + "/resourceGroups/" + az.azconfig.ResourceGroup + "/providers/Microsoft.Compute/" + kind + "/" + name
}

func (az *azureProvider) imageID(imageName string) (string, error) {
	if az.azconfig.SharedImageGalleryName != "" && az.azconfig.SharedImageGalleryImageVersion != "" {
		return "/subscriptions/" + az.azconfig.SubscriptionID + "/resourceGroups/" + az.imageResourceGroup + "/providers/Microsoft.Compute/galleries/" + az.azconfig.SharedImageGalleryName + "/images/" + imageName + "/versions/" + az.azconfig.SharedImageGalleryImageVersion, nil
	} else if az.azconfig.SharedImageGalleryName != "" || az.azconfig.SharedImageGalleryImageVersion != "" {
		return "", &resource.ProviderError{
			Kind: resource.ProviderInvalidData,
			Op:   "Create",
			Err:  errors.New("invalid configuration: SharedImageGalleryName and SharedImageGalleryImageVersion must both be set or both be empty"),
		}
	}
	return "/subscriptions/" + az.azconfig.SubscriptionID + "/resourceGroups/" + az.imageResourceGroup + "/providers/Microsoft.Compute/images/" + imageName, nil
}

func osType(os resource.ComputeOS) (compute.OperatingSystemTypes, error) {
	switch os {
	case resource.ComputeOSLinux, "":
		return compute.Linux, nil
	case resource.ComputeOSWindows:
		return compute.Windows, nil
	}
	return "", &resource.UnsupportedError{What: fmt.Sprintf("compute OS %q", os)}
}

func tagsFor(spec cloud.CreateSpec) map[string]*string {
	tags := map[string]*string{}
	for k, v := range spec.Tags {
		tags[k] = to.StringPtr(v)
	}
	tags["resource-id"] = to.StringPtr(spec.Name)
	tags["created-at"] = to.StringPtr(time.Now().Format(time.RFC3339Nano))
	return tags
}

// vmName derives the provider name of a compute resource from the
// broker's resource id, so a retried create reuses the same name.
func vmName(spec cloud.CreateSpec) string {
	return "rb-" + spec.Name
}

func (az *azureProvider) Create(ctx context.Context, spec cloud.CreateSpec) (string, error) {
	switch spec.Type {
	case resource.TypeComputeVM:
		return az.createVM(ctx, spec)
	case resource.TypeOSDisk:
		return az.createDisk(ctx, spec, &compute.CreationData{})
	case resource.TypeStorageFileShare, resource.TypeStorageArchive:
		return az.createStorageAccount(ctx, spec)
	}
	return "", &resource.ProviderError{
		Kind: resource.ProviderInvalidData,
		Op:   "Create",
		Err:  fmt.Errorf("azure driver cannot create %s resources: %w", spec.Type, cloud.ErrNotImplemented),
	}
}

func (az *azureProvider) cleanupNic(ctx context.Context, name string) {
	if err := az.netClient.delete(ctx, az.azconfig.ResourceGroup, name); err != nil && !isNotFound(err) {
		az.logger.WithError(err).Warn("error cleaning up NIC after failed create")
	}
}

func (az *azureProvider) createVM(ctx context.Context, spec cloud.CreateSpec) (string, error) {
	name := vmName(spec)
	tags := tagsFor(spec)
	ostype, err := osType(spec.ComputeOS)
	if err != nil {
		return "", err
	}

	subnetID := spec.SubnetID
	if subnetID == "" {
		networkResourceGroup := az.azconfig.NetworkResourceGroup
		if networkResourceGroup == "" {
			networkResourceGroup = az.azconfig.ResourceGroup
		}
		subnetID = fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers"+
			"/Microsoft.Network/virtualnetworks/%s/subnets/%s",
			az.azconfig.SubscriptionID,
			networkResourceGroup,
			az.azconfig.Network,
			az.azconfig.Subnet)
	}
	nicParameters := network.Interface{
		Location: to.StringPtr(spec.Location),
		Tags:     tags,
		InterfacePropertiesFormat: &network.InterfacePropertiesFormat{
			IPConfigurations: &[]network.InterfaceIPConfiguration{
				{
					Name: to.StringPtr("ip1"),
					InterfaceIPConfigurationPropertiesFormat: &network.InterfaceIPConfigurationPropertiesFormat{
						Subnet:                    &network.Subnet{ID: to.StringPtr(subnetID)},
						PrivateIPAllocationMethod: network.Dynamic,
					},
				},
			},
		},
	}
	nic, err := az.netClient.createOrUpdate(ctx, az.azconfig.ResourceGroup, name+"-nic", nicParameters)
	if err != nil {
		return "", err
	}

	var storageProfile *compute.StorageProfile
	var osProfile *compute.OSProfile
	if spec.OSDisk != "" {
		storageProfile = &compute.StorageProfile{
			OsDisk: &compute.OSDisk{
				OsType:       ostype,
				CreateOption: compute.DiskCreateOptionTypesAttach,
				ManagedDisk: &compute.ManagedDiskParameters{
					ID: to.StringPtr(az.resourceID("disks", spec.OSDisk)),
				},
			},
		}
	} else {
		image, err := az.imageID(spec.ImageName)
		if err != nil {
			az.cleanupNic(ctx, name+"-nic")
			return "", err
		}
		storageProfile = &compute.StorageProfile{
			ImageReference: &compute.ImageReference{ID: to.StringPtr(image)},
			OsDisk: &compute.OSDisk{
				OsType:       ostype,
				Name:         to.StringPtr(name + "-os"),
				CreateOption: compute.DiskCreateOptionTypesFromImage,
			},
		}
		osProfile = &compute.OSProfile{
			ComputerName:  to.StringPtr(name),
			AdminUsername: to.StringPtr(az.azconfig.AdminUsername),
		}
		if ostype == compute.Windows {
			osProfile.AdminPassword = to.StringPtr(az.azconfig.AdminPassword)
		} else {
			osProfile.LinuxConfiguration = &compute.LinuxConfiguration{
				DisablePasswordAuthentication: to.BoolPtr(az.azconfig.AdminPassword == ""),
			}
			if az.azconfig.AdminPassword != "" {
				osProfile.AdminPassword = to.StringPtr(az.azconfig.AdminPassword)
			}
		}
	}

	vmParameters := compute.VirtualMachine{
		Location: to.StringPtr(spec.Location),
		Tags:     tags,
		VirtualMachineProperties: &compute.VirtualMachineProperties{
			HardwareProfile: &compute.HardwareProfile{
				VMSize: compute.VirtualMachineSizeTypes(spec.SkuName),
			},
			StorageProfile: storageProfile,
			NetworkProfile: &compute.NetworkProfile{
				NetworkInterfaces: &[]compute.NetworkInterfaceReference{
					{
						ID: nic.ID,
						NetworkInterfaceReferenceProperties: &compute.NetworkInterfaceReferenceProperties{
							Primary: to.BoolPtr(true),
						},
					},
				},
			},
			OsProfile: osProfile,
		},
	}
	_, err = az.vmClient.createOrUpdate(ctx, az.azconfig.ResourceGroup, name, vmParameters)
	if err != nil {
		// Otherwise an unbounded number of unused NICs can
		// pile up while creates keep failing, and NICs are
		// subject to a quota.
		az.cleanupNic(ctx, name+"-nic")
		return "", err
	}
	return name, nil
}

func (az *azureProvider) createDisk(ctx context.Context, spec cloud.CreateSpec, creation *compute.CreationData) (string, error) {
	name := "rb-" + spec.Name + "-disk"
	ostype, err := osType(spec.ComputeOS)
	if err != nil {
		return "", err
	}
	if creation.CreateOption == "" {
		image, err := az.imageID(spec.ImageName)
		if err != nil {
			return "", err
		}
		creation.CreateOption = compute.FromImage
		creation.ImageReference = &compute.ImageDiskReference{ID: to.StringPtr(image)}
	}
	sku := spec.SkuName
	if sku == "" {
		sku = az.azconfig.DiskSku
	}
	_, err = az.disksClient.createOrUpdate(ctx, az.azconfig.ResourceGroup, name, compute.Disk{
		Location: to.StringPtr(spec.Location),
		Tags:     tagsFor(spec),
		Sku:      &compute.DiskSku{Name: compute.DiskStorageAccountTypes(sku)},
		DiskProperties: &compute.DiskProperties{
			OsType:       ostype,
			CreationData: creation,
		},
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

// storageAccountName returns a random name that satisfies azure's
// storage account naming rules (3-24 lowercase letters and digits,
// globally unique).
func storageAccountName() (string, error) {
	s, err := randutil.String(20, "abcdefghijklmnopqrstuvwxyz0123456789")
	if err != nil {
		return "", err
	}
	return "rb" + s, nil
}

func (az *azureProvider) createStorageAccount(ctx context.Context, spec cloud.CreateSpec) (string, error) {
	name, err := storageAccountName()
	if err != nil {
		return "", err
	}
	sku := spec.SkuName
	if sku == "" || spec.Type == resource.TypeStorageArchive {
		sku = string(storageacct.StandardLRS)
	}
	err = az.accountsClient.create(ctx, az.azconfig.ResourceGroup, name, storageacct.AccountCreateParameters{
		Sku:      &storageacct.Sku{Name: storageacct.SkuName(sku)},
		Kind:     storageacct.StorageV2,
		Location: to.StringPtr(spec.Location),
		Tags:     tagsFor(spec),
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

func (az *azureProvider) Delete(ctx context.Context, typ resource.Type, providerID string) error {
	var err error
	switch typ {
	case resource.TypeComputeVM:
		err = az.deleteVM(ctx, providerID)
	case resource.TypeOSDisk:
		err = az.disksClient.delete(ctx, az.azconfig.ResourceGroup, providerID)
	case resource.TypeSnapshot:
		err = az.snapshotsClient.delete(ctx, az.azconfig.ResourceGroup, providerID)
	case resource.TypeStorageFileShare, resource.TypeStorageArchive:
		err = az.accountsClient.delete(ctx, az.azconfig.ResourceGroup, providerID)
	default:
		return &resource.ProviderError{
			Kind: resource.ProviderInvalidData,
			Op:   "Delete",
			Err:  fmt.Errorf("azure driver cannot delete %s resources: %w", typ, cloud.ErrNotImplemented),
		}
	}
	if isNotFound(err) {
		return nil
	}
	return err
}

// deleteVM deletes the VM, its NIC, and its OS disk if the disk was
// created along with the VM. A disk that was attached from an
// existing disk resource outlives the VM.
func (az *azureProvider) deleteVM(ctx context.Context, name string) error {
	var ownDisk string
	vm, err := az.vmClient.get(ctx, az.azconfig.ResourceGroup, name)
	if err != nil && !isNotFound(err) {
		return err
	} else if err == nil && vm.VirtualMachineProperties != nil && vm.StorageProfile != nil && vm.StorageProfile.OsDisk != nil {
		if n := vm.StorageProfile.OsDisk.Name; n != nil && *n == name+"-os" {
			ownDisk = *n
		}
	}
	if err == nil {
		if err := az.vmClient.delete(ctx, az.azconfig.ResourceGroup, name); err != nil && !isNotFound(err) {
			return err
		}
	}
	if err := az.netClient.delete(ctx, az.azconfig.ResourceGroup, name+"-nic"); err != nil && !isNotFound(err) {
		return err
	}
	if ownDisk != "" {
		if err := az.disksClient.delete(ctx, az.azconfig.ResourceGroup, ownDisk); err != nil && !isNotFound(err) {
			return err
		}
	}
	return nil
}

func (az *azureProvider) Start(ctx context.Context, providerID string) error {
	return az.vmClient.start(ctx, az.azconfig.ResourceGroup, providerID)
}

func (az *azureProvider) Deallocate(ctx context.Context, providerID string) error {
	return az.vmClient.deallocate(ctx, az.azconfig.ResourceGroup, providerID)
}

func (az *azureProvider) IsDetached(ctx context.Context, diskID string) (bool, error) {
	disk, err := az.disksClient.get(ctx, az.azconfig.ResourceGroup, diskID)
	if err != nil {
		return false, err
	}
	if disk.ManagedBy != nil && *disk.ManagedBy != "" {
		return false, nil
	}
	if disk.DiskProperties != nil && disk.DiskProperties.DiskState != "" {
		return disk.DiskProperties.DiskState == compute.Unattached, nil
	}
	return true, nil
}

func (az *azureProvider) SnapshotDisk(ctx context.Context, diskID string, spec cloud.CreateSpec) (string, error) {
	name := "rb-" + spec.Name + "-snap"
	_, err := az.snapshotsClient.createOrUpdate(ctx, az.azconfig.ResourceGroup, name, compute.Snapshot{
		Location: to.StringPtr(spec.Location),
		Tags:     tagsFor(spec),
		SnapshotProperties: &compute.SnapshotProperties{
			CreationData: &compute.CreationData{
				CreateOption:     compute.Copy,
				SourceResourceID: to.StringPtr(az.resourceID("disks", diskID)),
			},
		},
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

func (az *azureProvider) DiskFromSnapshot(ctx context.Context, snapshotID string, spec cloud.CreateSpec) (string, error) {
	return az.createDisk(ctx, spec, &compute.CreationData{
		CreateOption:     compute.Copy,
		SourceResourceID: to.StringPtr(az.resourceID("snapshots", snapshotID)),
	})
}

func (az *azureProvider) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	return az.Delete(ctx, resource.TypeSnapshot, snapshotID)
}

func (az *azureProvider) Stop() {}
