package spawner

import (
	"context"
	"encoding/base64"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/helmsmanhq/helmsman/hublogger"
	"github.com/helmsmanhq/helmsman/routes"
	"github.com/helmsmanhq/helmsman/utils"
)

func init() {
	Register("ec2", newEC2Driver)
}

// ec2ServerPort is where the instance's user-data script starts the server.
const ec2ServerPort uint16 = 8888

// instanceRunningTimeout bounds how long we wait for EC2 to report an
// instance running. Instance boot is far slower than a local process.
const instanceRunningTimeout = 5 * time.Minute

// ec2Driver runs the single-user server on a dedicated EC2 instance. A
// graceful stop only stops the instance, so its disk survives and the
// server resumes on the same machine; a forced stop terminates it.
type ec2Driver struct {
	client       *ec2.Client
	ami          string
	instanceType ec2types.InstanceType

	instanceID string
	privateIP  string
	terminated bool
}

func newEC2Driver() (Driver, error) {
	ami := os.Getenv("HELMSMAN_EC2_AMI")
	instanceType := os.Getenv("HELMSMAN_EC2_INSTANCE_TYPE")
	if ami == "" || instanceType == "" {
		return nil, utils.MakeError("the ec2 driver needs HELMSMAN_EC2_AMI and HELMSMAN_EC2_INSTANCE_TYPE")
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, utils.MakeError("couldn't load AWS config: %s", err)
	}

	return &ec2Driver{
		client:       ec2.NewFromConfig(cfg),
		ami:          ami,
		instanceType: ec2types.InstanceType(instanceType),
	}, nil
}

// userData renders the cloud-init environment file the AMI's boot script
// sources before starting the server.
func userData(req StartRequest) string {
	env := req.ServerEnv(utils.Sprintf("%d", ec2ServerPort))
	script := "#!/bin/bash\nmkdir -p /etc/helmsman\ncat > /etc/helmsman/server.env <<'EOF'\n" +
		strings.Join(EnvSlice(env), "\n") + "\nEOF\n"
	return base64.StdEncoding.EncodeToString([]byte(script))
}

func (d *ec2Driver) Start(ctx context.Context, req StartRequest) (*routes.Server, error) {
	if d.instanceID != "" && !d.terminated {
		return d.resume(ctx, req)
	}

	output, err := d.client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:      aws.String(d.ami),
		InstanceType: d.instanceType,
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(userData(req)),
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags: []ec2types.Tag{
					{Key: aws.String("helmsman:user"), Value: aws.String(string(req.Username))},
					{Key: aws.String("helmsman:server"), Value: aws.String(string(req.Name))},
				},
			},
		},
	})
	if err != nil {
		return nil, utils.MakeError("couldn't run instance for %s/%s: %s", req.Username, req.Name, err)
	}
	if len(output.Instances) == 0 {
		return nil, utils.MakeError("RunInstances returned no instances for %s/%s", req.Username, req.Name)
	}
	d.instanceID = aws.ToString(output.Instances[0].InstanceId)
	d.terminated = false
	hublogger.Infof("Launched instance %s for %s/%s", d.instanceID, req.Username, req.Name)

	return d.connect(ctx, req)
}

// resume starts a previously stopped instance.
func (d *ec2Driver) resume(ctx context.Context, req StartRequest) (*routes.Server, error) {
	_, err := d.client.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{d.instanceID},
	})
	if err != nil {
		return nil, utils.MakeError("couldn't start instance %s: %s", d.instanceID, err)
	}
	hublogger.Infof("Resumed instance %s for %s/%s", d.instanceID, req.Username, req.Name)
	return d.connect(ctx, req)
}

// connect waits for the instance to run, records its private IP, and waits
// for the server port to accept connections.
func (d *ec2Driver) connect(ctx context.Context, req StartRequest) (*routes.Server, error) {
	waiter := ec2.NewInstanceRunningWaiter(d.client)
	describe := &ec2.DescribeInstancesInput{InstanceIds: []string{d.instanceID}}
	if err := waiter.Wait(ctx, describe, instanceRunningTimeout); err != nil {
		return nil, utils.MakeError("instance %s never reached running: %s", d.instanceID, err)
	}

	output, err := d.client.DescribeInstances(ctx, describe)
	if err != nil {
		return nil, utils.MakeError("couldn't describe instance %s: %s", d.instanceID, err)
	}
	instance, ok := firstInstance(output)
	if !ok {
		return nil, utils.MakeError("instance %s vanished after launch", d.instanceID)
	}
	d.privateIP = aws.ToString(instance.PrivateIpAddress)
	if d.privateIP == "" {
		return nil, utils.MakeError("instance %s has no private IP", d.instanceID)
	}

	if err := waitConnectable(ctx, d.privateIP, ec2ServerPort); err != nil {
		return nil, utils.MakeError("instance %s never became connectable: %s", d.instanceID, err)
	}

	server := routes.New("http", d.privateIP, ec2ServerPort, req.BasePath())
	server.Name = req.Name
	return &server, nil
}

func firstInstance(output *ec2.DescribeInstancesOutput) (ec2types.Instance, bool) {
	for _, reservation := range output.Reservations {
		for _, instance := range reservation.Instances {
			return instance, true
		}
	}
	return ec2types.Instance{}, false
}

func (d *ec2Driver) Poll(ctx context.Context) (Status, error) {
	if d.instanceID == "" || d.terminated {
		return Status{Running: false, ExitCode: -1}, nil
	}
	output, err := d.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{d.instanceID},
	})
	if err != nil {
		return Status{}, utils.MakeError("couldn't describe instance %s: %s", d.instanceID, err)
	}
	instance, ok := firstInstance(output)
	if !ok || instance.State == nil {
		return Status{Running: false, ExitCode: -1}, nil
	}
	running := instance.State.Name == ec2types.InstanceStateNameRunning ||
		instance.State.Name == ec2types.InstanceStateNamePending
	return Status{Running: running, ExitCode: -1}, nil
}

func (d *ec2Driver) Stop(ctx context.Context, now bool) error {
	if d.instanceID == "" || d.terminated {
		return nil
	}

	if now {
		_, err := d.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: []string{d.instanceID},
		})
		if err != nil {
			return utils.MakeError("couldn't terminate instance %s: %s", d.instanceID, err)
		}
		d.terminated = true
		return nil
	}

	_, err := d.client.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{d.instanceID},
	})
	if err != nil {
		return utils.MakeError("couldn't stop instance %s: %s", d.instanceID, err)
	}
	return nil
}

func (d *ec2Driver) WillResume() bool {
	// A stopped instance keeps its disk and restarts in place; only
	// termination is final.
	return !d.terminated
}

func (d *ec2Driver) SaveState() map[string]string {
	if d.instanceID == "" {
		return nil
	}
	return map[string]string{
		"instance_id": d.instanceID,
		"private_ip":  d.privateIP,
	}
}

func (d *ec2Driver) LoadState(state map[string]string) error {
	id := state["instance_id"]
	if id == "" {
		return utils.MakeError("no instance id in persisted driver state")
	}
	d.instanceID = id
	d.privateIP = state["private_ip"]
	return nil
}
